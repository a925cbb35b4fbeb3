package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/swaggo/swag"

	"github.com/humandao-org/EnergyContracts/core/credit"
	"github.com/humandao-org/EnergyContracts/core/escrow"
	"github.com/humandao-org/EnergyContracts/docs"
	"github.com/humandao-org/EnergyContracts/logging"
	"github.com/humandao-org/EnergyContracts/metrics"
	"github.com/humandao-org/EnergyContracts/middleware"
	"github.com/humandao-org/EnergyContracts/storage/auth"
)

// RouterConfig carries everything NewRouter wires together.
type RouterConfig struct {
	Escrow  *escrow.Escrow
	Account *credit.EscrowAccount
	Keys    auth.Resolver
	Metrics *metrics.Metrics // optional
	Logger  *slog.Logger

	CORSOrigins  []string
	RateLimit    int
	MaxBodyBytes int64
	PublicURL    string
	MetricsPath  string
}

// NewRouter builds the REST API. Reads are public; every route that moves
// credits or changes configuration requires an API key.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	httpLog := logging.Component(logger, "http")

	health := NewHealthHandler(httpLog, cfg.Account.Token())
	deposits := NewEscrowHandler(httpLog, cfg.Escrow)
	ledger := NewLedgerHandler(httpLog, cfg.Account)
	qr := NewQRCodeHandler(httpLog, cfg.Escrow, cfg.PublicURL)
	events := NewEventsHandler(httpLog, cfg.Escrow.Bus(), originChecker(cfg.CORSOrigins))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(httpLog))
	r.Use(middleware.Logging(httpLog))
	if cfg.Metrics != nil {
		r.Use(middleware.Instrument(cfg.Metrics))
	}
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(cfg.CORSOrigins))
	if cfg.MaxBodyBytes > 0 {
		r.Use(middleware.BodyLimit(cfg.MaxBodyBytes))
	}
	r.Use(middleware.ContentType)
	r.Use(middleware.RateLimit(middleware.NewLimiter(cfg.RateLimit)))

	r.Get("/health", health.HandleHealth)
	if cfg.Metrics != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, cfg.Metrics.Handler())
	}
	r.Get("/api/docs/doc.json", handleDoc)

	r.Route("/api", func(r chi.Router) {
		// Public reads.
		r.Get("/deposits", deposits.HandleListDeposits)
		r.Get("/deposits/{task}", deposits.HandleGetDeposit)
		r.Get("/deposits/{task}/remaining", deposits.HandleRemaining)
		r.Get("/deposits/{task}/recipients", deposits.HandleListRecipients)
		r.Get("/deposits/{task}/recipients/{recipient}", deposits.HandleGetRecipient)
		r.Get("/deposits/{task}/recipients/{recipient}/qr", qr.HandleClaimQRCode)
		r.Get("/admin/roles", deposits.HandleGetRoles)
		r.Get("/ledger", ledger.HandleInfo)
		r.Get("/ledger/balances/{address}", ledger.HandleBalance)
		r.Get("/events", events.HandleHistory)
		r.Get("/events/ws", events.HandleStream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.APIAuth(cfg.Keys))

			r.Post("/deposits", deposits.HandleCreateDeposit)
			r.Delete("/deposits/{task}", deposits.HandleDeleteDeposit)
			r.Post("/deposits/{task}/refund", deposits.HandleRefund)
			r.Post("/deposits/{task}/force-refund", deposits.HandleForceRefund)
			r.Post("/deposits/{task}/refund-flag", deposits.HandleRefundFlag)
			r.Post("/deposits/{task}/budget", deposits.HandleIncreaseBudget)
			r.Post("/deposits/{task}/capacity", deposits.HandleIncreaseCapacity)
			r.Post("/deposits/{task}/per-claim", deposits.HandlePerClaim)
			r.Post("/deposits/{task}/top-up", deposits.HandleTopUp)
			r.Post("/deposits/{task}/recipients", deposits.HandleAddRecipient)
			r.Delete("/deposits/{task}/recipients/{recipient}", deposits.HandleRemoveRecipient)
			r.Post("/deposits/{task}/recipients/{recipient}/claimable", deposits.HandleSetClaimable)
			r.Post("/deposits/{task}/recipients/{recipient}/claim", deposits.HandleClaim)

			r.Post("/admin/ownership", deposits.HandleTransferOwnership)
			r.Post("/admin/admins/{address}", deposits.HandleGrantAdmin)
			r.Delete("/admin/admins/{address}", deposits.HandleRevokeAdmin)

			r.Post("/ledger/approve", ledger.HandleApprove)
		})
	})

	return r
}

func handleDoc(w http.ResponseWriter, r *http.Request) {
	doc, err := swag.ReadDoc(docs.SwaggerInfo.InstanceName())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(doc))
}

// originChecker mirrors the CORS allow-list for websocket upgrades.
func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return nil
		}
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}
