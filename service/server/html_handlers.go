package server

import (
	"embed"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/brojonat/payrelay/service/solana"
)

//go:embed templates/*.html
var templatesFS embed.FS

// TemplateRenderer holds parsed HTML templates
type TemplateRenderer struct {
	templates *template.Template
	logger    *slog.Logger
}

// NewTemplateRenderer creates a new template renderer from embedded files
func NewTemplateRenderer(logger *slog.Logger) (*TemplateRenderer, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	return &TemplateRenderer{
		templates: tmpl,
		logger:    logger,
	}, nil
}

// Render renders a template with the given data
func (tr *TemplateRenderer) Render(w http.ResponseWriter, name string, data interface{}) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	return tr.templates.ExecuteTemplate(w, name, data)
}

// signPageData is rendered into phantom-sign.html.
type signPageData struct {
	PaymentID       string
	Amount          string
	SenderWallet    string
	RecipientWallet string
	Status          string
	Autorun         bool
}

// handleSignPage serves the page that builds, signs with Phantom, and
// submits a payment.
// GET /phantom/sign?state={payment_id}&autorun=1
func handleSignPage(store Store, renderer *TemplateRenderer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		id, err := parseUUID(q.Get("state"), "state")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		payment, err := store.GetPayment(r.Context(), id)
		if err != nil {
			writeStoreError(w, r, renderer.logger, err, "payment not found")
			return
		}

		data := signPageData{
			PaymentID:       payment.ID.String(),
			Amount:          solana.FormatUI(payment.Amount),
			SenderWallet:    payment.SenderWallet,
			RecipientWallet: payment.RecipientWallet,
			Status:          string(payment.Status),
			Autorun:         q.Get("autorun") == "1",
		}
		if err := renderer.Render(w, "phantom-sign.html", data); err != nil {
			renderer.logger.Error("failed to render template", "error", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
	}
}
