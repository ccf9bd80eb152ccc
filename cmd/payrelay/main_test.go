package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/brojonat/payrelay/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/itchyny/gojq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runApp runs the CLI against serverURL and returns what it wrote to stdout.
func runApp(t *testing.T, serverURL string, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	app := newApp()
	app.Writer = &stdout
	app.ErrWriter = &stderr
	err := app.Run(append([]string{"payrelay", "--server-url", serverURL}, args...))
	return stdout.String(), err
}

func writeJSONResponse(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

const paymentJSON = `{
	"id": "0b4c6b0e-5c1f-4a53-9a1e-6f1e4cde2a10",
	"sender_id": 1,
	"recipient_id": 2,
	"sender_wallet": "%s",
	"recipient_wallet": "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM",
	"amount": "5",
	"status": "%s",
	"created_at": "2026-01-02T03:04:05Z",
	"updated_at": "2026-01-02T03:04:05Z"
}`

func TestHealthCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	out, err := runApp(t, server.URL, "server", "health")
	require.NoError(t, err)
	assert.Contains(t, out, "Server is healthy")
}

func TestHealthCommand_Failure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := runApp(t, server.URL, "server", "health")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unhealthy status")
}

func TestVersionCommand_JSON(t *testing.T) {
	version, commit, date = "1.2.3", "abc123", "2026-01-01"
	defer func() { version, commit, date = "dev", "unknown", "unknown" }()

	out, err := runApp(t, "http://unused", "--json", "server", "version")
	require.NoError(t, err)

	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "1.2.3", info["version"])
	assert.Equal(t, "abc123", info["commit"])
}

func TestUserEnsureCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/users", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(42), body["tg_user_id"])
		assert.Equal(t, "Alice", body["username"])
		writeJSONResponse(w, http.StatusOK, map[string]interface{}{
			"tg_user_id": 42,
			"username":   "alice",
		})
	}))
	defer server.Close()

	out, err := runApp(t, server.URL, "user", "ensure", "42", "Alice")
	require.NoError(t, err)
	assert.Equal(t, "✓ User 42 (@alice)\n", out)
}

func TestUserIDValidation(t *testing.T) {
	_, err := runApp(t, "http://unused", "wallet", "list", "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid user id "abc"`)

	_, err = runApp(t, "http://unused", "wallet", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user id is required")
}

func TestWalletLinkCommand_Inactive(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/users/7/wallets", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, false, body["make_active"])
		writeJSONResponse(w, http.StatusCreated, map[string]interface{}{
			"address":   body["address"],
			"label":     "Ledger",
			"is_active": false,
		})
	}))
	defer server.Close()

	out, err := runApp(t, server.URL, "wallet", "link", "--label", "Ledger", "--active=false",
		"7", "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM")
	require.NoError(t, err)
	assert.Contains(t, out, "Label:   Ledger")
	assert.Contains(t, out, "Active:  false")
}

func TestPayListCommand_Where(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/payments", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("user"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"payments": [%s, %s]}`,
			fmt.Sprintf(paymentJSON, "A", "confirmed"),
			fmt.Sprintf(paymentJSON, "B", "failed"),
		)
	}))
	defer server.Close()

	out, err := runApp(t, server.URL, "--json", "pay", "list", "--where", `.status == "confirmed"`, "1")
	require.NoError(t, err)

	var payments []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &payments))
	require.Len(t, payments, 1)
	assert.Equal(t, "A", payments[0]["sender_wallet"])
}

func TestPayCreateCommand_JQ(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/payments", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "@bob", body["recipient"])
		assert.Equal(t, "5", body["amount"])
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"payment": %s, "sign_url": "https://pay.example.com/phantom/sign?state=x"}`,
			fmt.Sprintf(paymentJSON, "A", "pending"))
	}))
	defer server.Close()

	out, err := runApp(t, server.URL, "--jq", ".sign_url", "pay", "create", "1", "@bob", "5")
	require.NoError(t, err)
	assert.Equal(t, "https://pay.example.com/phantom/sign?state=x\n", out)
}

func TestPayGetCommand_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusNotFound, map[string]string{"error": "payment not found"})
	}))
	defer server.Close()

	_, err := runApp(t, server.URL, "pay", "get", "0b4c6b0e-5c1f-4a53-9a1e-6f1e4cde2a10")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payment not found")
}

func TestRequestCreateCommand_MissingArgs(t *testing.T) {
	_, err := runApp(t, "http://unused", "request", "create", "1", "@bob")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payer and amount are required")
}

func TestPlanCommand_ViaServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/plan", r.URL.Path)
		assert.Equal(t, "lunch", r.URL.Query().Get("memo"))
		writeJSONResponse(w, http.StatusOK, map[string]interface{}{
			"transaction":       "AQID",
			"amount":            "12.5",
			"amount_base_units": 12500000,
			"instruction_count": 3,
			"memo":              "lunch",
		})
	}))
	defer server.Close()

	out, err := runApp(t, server.URL, "plan", "--memo", "lunch", "A", "B", "12.5")
	require.NoError(t, err)
	assert.Contains(t, out, "12.500000 USDC (12500000 base units)")
	assert.Contains(t, out, "Memo:          lunch")
}

func TestPlanCommand_LocalRejectsBadWallet(t *testing.T) {
	_, err := runApp(t, "http://unused", "plan", "--rpc-url", "http://127.0.0.1:1", "not-a-key", "B", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid sender wallet")
}

// unsignedTransfer returns a base64 transfer paid for by payer with an empty
// signature slot.
func unsignedTransfer(t *testing.T, payer solanago.PublicKey) string {
	t.Helper()
	mint := solanago.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
	recipient := solanago.NewWallet().PublicKey()

	source, err := solana.DeriveAssociatedTokenAddress(payer, mint)
	require.NoError(t, err)
	dest, err := solana.DeriveAssociatedTokenAddress(recipient, mint)
	require.NoError(t, err)

	tx, err := solanago.NewTransaction(
		[]solanago.Instruction{solana.NewTransferCheckedInstruction(source, mint, dest, payer, 5_000_000, solana.USDCDecimals)},
		solanago.Hash{9, 9, 9},
		solanago.TransactionPayer(payer),
	)
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func TestSignTransaction(t *testing.T) {
	key, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)

	signed, err := signTransaction(unsignedTransfer(t, key.PublicKey()), key)
	require.NoError(t, err)

	tx, err := solanago.TransactionFromBase64(signed)
	require.NoError(t, err)
	require.Len(t, tx.Signatures, 1)
	assert.False(t, tx.Signatures[0].IsZero())
	assert.NoError(t, tx.VerifySignatures())
}

func TestSignTransaction_WrongKey(t *testing.T) {
	payer, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)
	other, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)

	_, err = signTransaction(unsignedTransfer(t, payer.PublicKey()), other)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to sign transaction")

	_, err = signTransaction("not base64!", payer)
	require.Error(t, err)
}

// writeKeygenFile writes key in solana-keygen's JSON byte array format.
func writeKeygenFile(t *testing.T, key solanago.PrivateKey) string {
	t.Helper()
	values := make([]int, len(key))
	for i, b := range key {
		values[i] = int(b)
	}
	data, err := json.Marshal(values)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "id.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestPaySendCommand(t *testing.T) {
	key, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)
	sender := key.PublicKey().String()
	paymentID := "0b4c6b0e-5c1f-4a53-9a1e-6f1e4cde2a10"
	unsigned := unsignedTransfer(t, key.PublicKey())

	submitted := make(chan string, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/payments/{id}/build", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"payment": %s, "transfer": {"transaction": %q}}`,
			fmt.Sprintf(paymentJSON, sender, "built"), unsigned)
	})
	mux.HandleFunc("POST /api/v1/payments/{id}/submit", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		submitted <- body["transaction"]
		writeJSONResponse(w, http.StatusAccepted, map[string]string{
			"payment_id":  paymentID,
			"workflow_id": "settle-payment-" + paymentID,
			"signature":   "sig",
		})
	})
	mux.HandleFunc("GET /api/v1/stream/payments/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: payment\ndata: {\"payment_id\":%q,\"status\":\"submitted\"}\n\n", paymentID)
		fmt.Fprintf(w, "event: payment\ndata: {\"payment_id\":%q,\"status\":\"confirmed\",\"signature\":\"sig\"}\n\n", paymentID)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	out, err := runApp(t, server.URL, "pay", "send", "--keypair", writeKeygenFile(t, key), paymentID)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Payment "+paymentID+" confirmed")
	assert.Contains(t, out, "Signature: sig")

	tx, err := solanago.TransactionFromBase64(<-submitted)
	require.NoError(t, err)
	assert.NoError(t, tx.VerifySignatures())
}

func TestPaySendCommand_WrongKeypair(t *testing.T) {
	key, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/submit") {
			t.Error("submit must not be called with the wrong keypair")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"payment": %s, "transfer": {"transaction": "AQID"}}`,
			fmt.Sprintf(paymentJSON, "SomeoneElse", "built"))
	}))
	defer server.Close()

	_, err = runApp(t, server.URL, "pay", "send", "--keypair", writeKeygenFile(t, key), "0b4c6b0e-5c1f-4a53-9a1e-6f1e4cde2a10")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is not the sender wallet")
}

func TestRunJQ(t *testing.T) {
	code, err := compileJQ(".items[] | .name")
	require.NoError(t, err)

	var buf bytes.Buffer
	err = runJQ(&buf, code, map[string]interface{}{
		"items": []map[string]interface{}{{"name": "a"}, {"name": "b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", buf.String())

	_, err = compileJQ(".[")
	assert.Error(t, err)
}

func TestMatchesAll(t *testing.T) {
	status, err := compileJQ(`.status == "confirmed"`)
	require.NoError(t, err)
	amount, err := compileJQ(`.amount | tonumber > 1`)
	require.NoError(t, err)

	item := map[string]string{"status": "confirmed", "amount": "5"}

	ok, err := matchesAll(nil, item)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = matchesAll([]*gojq.Code{status, amount}, item)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = matchesAll([]*gojq.Code{status, amount}, map[string]string{"status": "failed", "amount": "5"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsTruthy(t *testing.T) {
	assert.False(t, isTruthy(nil))
	assert.False(t, isTruthy(false))
	assert.True(t, isTruthy(true))
	assert.True(t, isTruthy(0))
	assert.True(t, isTruthy(""))
	assert.True(t, isTruthy([]interface{}{}))
}

func TestOutput_HumanByDefault(t *testing.T) {
	out, err := runApp(t, "http://unused", "server", "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "payrelay CLI\n"))
}
