package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureUser_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/users", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(42), body["tg_user_id"])
		assert.Equal(t, "alice", body["username"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"tg_user_id": 42, "username": "alice"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	user, err := client.EnsureUser(context.Background(), 42, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(42), user.TgUserID)
	assert.Equal(t, "alice", user.Username)
}

func TestFindUser_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/users/@bob", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": "user not found"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.FindUser(context.Background(), "@bob")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "user not found", apiErr.Message)
	assert.Equal(t, "request failed: user not found", err.Error())
}

func TestWalletCalls(t *testing.T) {
	const address = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == "POST" && r.URL.Path == "/api/v1/users/7/wallets":
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, address, body["address"])
			assert.Equal(t, true, body["make_active"])
			w.WriteHeader(http.StatusCreated)
			fmt.Fprintf(w, `{"id": 1, "tg_user_id": 7, "address": %q, "label": "Phantom", "is_active": true}`, address)
		case r.Method == "GET" && r.URL.Path == "/api/v1/users/7/wallets":
			fmt.Fprintf(w, `{"wallets": [{"id": 1, "tg_user_id": 7, "address": %q, "is_active": true}]}`, address)
		case r.Method == "PUT" && r.URL.Path == "/api/v1/users/7/wallets/"+address+"/active":
			fmt.Fprintf(w, `{"id": 1, "tg_user_id": 7, "address": %q, "is_active": true}`, address)
		case r.Method == "DELETE" && r.URL.Path == "/api/v1/users/7/wallets/"+address:
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	ctx := context.Background()

	wallet, err := client.LinkWallet(ctx, 7, address, "", true)
	require.NoError(t, err)
	assert.Equal(t, "Phantom", wallet.Label)
	assert.True(t, wallet.IsActive)

	wallets, err := client.ListWallets(ctx, 7)
	require.NoError(t, err)
	require.Len(t, wallets, 1)
	assert.Equal(t, address, wallets[0].Address)

	wallet, err = client.ActivateWallet(ctx, 7, address)
	require.NoError(t, err)
	assert.True(t, wallet.IsActive)

	require.NoError(t, client.DisconnectWallet(ctx, 7, address))
}

func TestListRequests_Query(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/requests", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("user"))
		assert.Equal(t, "2", r.URL.Query().Get("counterparty"))
		assert.Empty(t, r.URL.Query().Get("limit"))
		w.Write([]byte(`{"requests": [{"id": "r1", "requester_id": 1, "payer_id": 2, "amount": "12.5", "memo": "lunch"}]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	reqs, err := client.ListRequests(context.Background(), 1, 2, 0)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "12.5", reqs[0].Amount.String())
	require.NotNil(t, reqs[0].Memo)
	assert.Equal(t, "lunch", *reqs[0].Memo)
}

func TestCreatePayment_OmitsEmptyFields(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(1), body["sender_id"])
		assert.Equal(t, "@bob", body["recipient"])
		assert.NotContains(t, body, "amount")
		assert.NotContains(t, body, "request_id")

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{
			"payment": {"id": "p1", "sender_id": 1, "recipient_id": 2, "amount": "7.25", "status": "pending"},
			"sign_url": "https://pay.example.com/phantom/sign?state=p1&autorun=1",
			"qr_code_png": "iVBOR"
		}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	created, err := client.CreatePayment(context.Background(), CreatePaymentParams{SenderID: 1, Recipient: "@bob"})
	require.NoError(t, err)
	assert.Equal(t, "p1", created.Payment.ID)
	assert.Equal(t, "7.25", created.Payment.Amount.String())
	assert.Equal(t, "https://pay.example.com/phantom/sign?state=p1&autorun=1", created.SignURL)
	assert.False(t, created.Payment.Terminal())
}

func TestBuildPayment_ErrorCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/payments/p1/build", r.URL.Path)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error": "insufficient USDC balance: you have 1.000000, need 5.000000", "code": "insufficient_funds"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.BuildPayment(context.Background(), "p1")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "insufficient_funds", apiErr.Code)
	assert.Contains(t, err.Error(), "(insufficient_funds)")
}

func TestSubmitPayment_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/payments/p1/submit", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "c2lnbmVk", body["transaction"])

		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"payment_id": "p1", "workflow_id": "settle-payment-p1", "signature": "sig"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	sub, err := client.SubmitPayment(context.Background(), "p1", "c2lnbmVk")
	require.NoError(t, err)
	assert.Equal(t, "settle-payment-p1", sub.WorkflowID)
	assert.Equal(t, "sig", sub.Signature)
}

func TestUnexpectedErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.GetPayment(context.Background(), "p1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502: upstream down")
}

// sseServer writes each frame and flushes, then holds the connection open
// until the client goes away.
func sseServer(t *testing.T, frames ...string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/stream/payments/p1", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)

		for _, f := range frames {
			fmt.Fprint(w, f)
			flusher.Flush()
		}
		<-r.Context().Done()
	}))
}

func TestAwaitPayment_Terminal(t *testing.T) {
	server := sseServer(t,
		"event: connected\ndata: {\"payment_id\":\"p1\"}\n\n",
		"event: payment\ndata: {\"payment_id\":\"p1\",\"status\":\"built\"}\n\n",
		": keepalive\n\n",
		"event: payment\ndata: {\"payment_id\":\"p1\",\"status\":\"submitted\",\"signature\":\"sig\"}\n\n",
		"event: payment\ndata: {\"payment_id\":\"p1\",\"status\":\"confirmed\",\"signature\":\"sig\"}\n\n",
	)
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var seen []string
	final, err := client.AwaitPayment(ctx, "p1", func(e *PaymentEvent) {
		seen = append(seen, e.Status)
	})
	require.NoError(t, err)
	assert.Equal(t, "confirmed", final.Status)
	assert.Equal(t, "sig", final.Signature)
	assert.Equal(t, []string{"built", "submitted", "confirmed"}, seen)
}

func TestAwaitPayment_Timeout(t *testing.T) {
	server := sseServer(t,
		"event: payment\ndata: {\"payment_id\":\"p1\",\"status\":\"submitted\"}\n\n",
	)
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := client.AwaitPayment(ctx, "p1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAwaitPayment_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": "payment not found"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.AwaitPayment(context.Background(), "p1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payment not found")
}
