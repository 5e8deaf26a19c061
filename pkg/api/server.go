package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypersettle/pkg/app/settlement"
	"github.com/uhyunpark/hypersettle/pkg/app/transaction"
	"github.com/uhyunpark/hypersettle/pkg/crypto"
	"github.com/uhyunpark/hypersettle/pkg/events"
	"github.com/uhyunpark/hypersettle/pkg/metrics"
	"github.com/uhyunpark/hypersettle/pkg/storage"
	"github.com/uhyunpark/hypersettle/pkg/units"
)

const maxBodyBytes = 1 << 20

type Config struct {
	Engine      *settlement.Engine
	Verifier    *transaction.Verifier
	Metrics     *metrics.Recorder // optional; serves /metrics when set
	Logger      *zap.SugaredLogger
	CORSOrigins []string
}

// Server handles REST API and WebSocket connections
type Server struct {
	engine   *settlement.Engine
	verifier *transaction.Verifier
	metrics  *metrics.Recorder
	log      *zap.SugaredLogger

	router  *mux.Router
	handler http.Handler
	hub     *Hub
	http    *http.Server
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Engine == nil || cfg.Verifier == nil {
		return nil, errors.New("api: engine and verifier are required")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	s := &Server{
		engine:   cfg.Engine,
		verifier: cfg.Verifier,
		metrics:  cfg.Metrics,
		log:      log,
		router:   mux.NewRouter(),
		hub:      NewHub(log),
	}
	s.setupRoutes()

	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	s.handler = c.Handler(s.router)

	go s.hub.Run()
	return s, nil
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// settlement
	api.HandleFunc("/execute", s.handleExecute).Methods("POST")
	api.HandleFunc("/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/orders/hash", s.handleOrderHash).Methods("POST")

	// ledger reads
	api.HandleFunc("/fills/{hash}", s.handleGetFill).Methods("GET")
	api.HandleFunc("/price", s.handleGetPrice).Methods("GET")
	api.HandleFunc("/domain", s.handleGetDomain).Methods("GET")
	api.HandleFunc("/assets", s.handleGetAssets).Methods("GET")
	api.HandleFunc("/assets/{asset}/balances/{address}", s.handleGetBalance).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the CORS-wrapped router
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) Hub() *Hub { return s.hub }

// Start serves until Shutdown. It returns nil on a clean shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Infow("api_listening", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ==============================
// Settlement Handlers
// ==============================

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	tx, err := transaction.DeserializeExecute(body)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	req, err := s.verifier.VerifyExecuteTransaction(tx)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	receipt, err := s.engine.Execute(r.Context(), req.Caller, req.Taker, req.TakerSignature, req.Makers, req.MakerSignatures)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	resp := ExecuteResponse{
		TakerOrderHash: receipt.TakerOrderHash.Hex(),
		TakerFilled:    receipt.TakerFilled.String(),
		ExecutionPrice: receipt.ExecutionPrice.String(),
		Legs:           make([]events.ExecutionData, 0, len(receipt.Legs)),
	}
	for _, leg := range receipt.Legs {
		msg, err := events.NewMessage(leg)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		resp.Legs = append(resp.Legs, *msg.Execution)
	}
	respondJSON(w, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	tx, err := transaction.DeserializeCancel(body)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	req, err := s.verifier.VerifyCancelTransaction(tx)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	hash, err := s.engine.CancelOrder(r.Context(), req.Caller, req.Order)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, CancelResponse{OrderHash: hash.Hex()})
}

func (s *Server) handleOrderHash(w http.ResponseWriter, r *http.Request) {
	var payload transaction.OrderPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&payload); err != nil {
		s.respondErr(w, fmt.Errorf("%w: %v", transaction.ErrInvalidPayload, err))
		return
	}
	order, err := payload.ToEIP712Order()
	if err != nil {
		s.respondErr(w, err)
		return
	}
	hash, err := s.engine.HashOrder(order)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, OrderHashResponse{OrderHash: hash.Hex()})
}

// ==============================
// Read Handlers
// ==============================

func (s *Server) handleGetFill(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["hash"]
	b, err := decodeHash(raw)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	filled, err := s.engine.Filled(r.Context(), b)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, FillInfo{OrderHash: b.Hex(), Filled: filled.String()})
}

func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	px, err := s.engine.LastExecutionPrice(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, PriceInfo{LastExecutionPrice: px.String()})
}

func (s *Server) handleGetDomain(w http.ResponseWriter, r *http.Request) {
	sep, err := s.engine.DomainSeparator()
	if err != nil {
		s.respondErr(w, err)
		return
	}
	d := s.engine.Domain()
	respondJSON(w, DomainInfo{
		Name:              d.Name,
		Version:           d.Version,
		ChainID:           d.ChainID.String(),
		VerifyingContract: d.VerifyingContract.Hex(),
		Separator:         sep.Hex(),
	})
}

func assetInfo(a settlement.AssetLedger) AssetInfo {
	return AssetInfo{ID: a.ID(), Symbol: a.Symbol(), Decimals: a.Decimals()}
}

func (s *Server) handleGetAssets(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, AssetsInfo{
		Base:    assetInfo(s.engine.BaseAsset()),
		Quote:   assetInfo(s.engine.QuoteAsset()),
		Spender: s.engine.Spender().Hex(),
	})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var ledger settlement.AssetLedger
	for _, a := range []settlement.AssetLedger{s.engine.BaseAsset(), s.engine.QuoteAsset()} {
		if strings.EqualFold(vars["asset"], a.ID()) || strings.EqualFold(vars["asset"], a.Symbol()) {
			ledger = a
		}
	}
	if ledger == nil {
		respondError(w, http.StatusNotFound, "UnknownAsset", vars["asset"])
		return
	}

	addr, err := crypto.ParseAddress(vars["address"])
	if err != nil {
		s.respondErr(w, fmt.Errorf("%w: %v", transaction.ErrInvalidPayload, err))
		return
	}

	var bal, alw *big.Int
	err = s.engine.Store().View(r.Context(), func(rd storage.Reader) error {
		var err error
		if bal, err = ledger.BalanceOf(rd, addr); err != nil {
			return err
		}
		alw, err = ledger.Allowance(rd, addr, s.engine.Spender())
		return err
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}

	respondJSON(w, BalanceInfo{
		Asset:              ledger.ID(),
		Address:            addr.Hex(),
		Balance:            bal.String(),
		BalanceFormatted:   units.FormatUnits(bal, ledger.Decimals()),
		Allowance:          alw.String(),
		AllowanceFormatted: units.FormatUnits(alw, ledger.Decimals()),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Event Sink
// ==============================

// Publish implements settlement.EventSink by pushing the event to every
// websocket client subscribed to a matching channel.
func (s *Server) Publish(ev settlement.Event) {
	s.broadcast(ev, SourceLocal, "")
}

// PublishFromPeer forwards an event committed by another node. Clients see
// it tagged with source "gossip" and the authoring peer ID.
func (s *Server) PublishFromPeer(peerID string, ev settlement.Event) {
	s.broadcast(ev, SourceGossip, peerID)
}

func (s *Server) broadcast(ev settlement.Event, source, peerID string) {
	msg, err := events.NewMessage(ev)
	if err != nil {
		s.log.Warnw("ws_event_dropped", "source", source, "err", err)
		return
	}
	out := WSMessage{Type: msg.Type, Source: source, Peer: peerID, Data: msg}

	switch e := ev.(type) {
	case settlement.ExecutionEvent:
		s.hub.BroadcastToChannel(ChannelExecutions, out)
		s.hub.BroadcastToChannel(accountChannel(e.Maker.Hex()), out)
		if e.Taker != e.Maker {
			s.hub.BroadcastToChannel(accountChannel(e.Taker.Hex()), out)
		}
	case settlement.CancellationEvent:
		s.hub.BroadcastToChannel(ChannelCancellations, out)
		s.hub.BroadcastToChannel(accountChannel(e.Owner.Hex()), out)
	}
}

var _ settlement.EventSink = (*Server)(nil)

// ==============================
// Helper Functions
// ==============================

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transaction.ErrInvalidPayload, err)
	}
	return body, nil
}

func decodeHash(s string) (common.Hash, error) {
	if !strings.HasPrefix(s, "0x") || len(s) != 2+2*common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: invalid order hash %q", transaction.ErrInvalidPayload, s)
	}
	b := common.FromHex(s)
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: invalid order hash %q", transaction.ErrInvalidPayload, s)
	}
	return common.BytesToHash(b), nil
}

// classify maps an error to an HTTP status and a stable kind.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, transaction.ErrInvalidPayload):
		return http.StatusBadRequest, "InvalidPayload"
	case errors.Is(err, transaction.ErrInvalidSignature):
		return http.StatusUnauthorized, "InvalidEnvelopeSignature"
	case errors.Is(err, transaction.ErrDeadlineExpired):
		return http.StatusUnprocessableEntity, "DeadlineExpired"
	case errors.Is(err, transaction.ErrDeadlineTooFar):
		return http.StatusUnprocessableEntity, "DeadlineTooFar"
	case settlement.IsRejection(err):
		return http.StatusUnprocessableEntity, settlement.ErrorKind(err)
	default:
		return http.StatusInternalServerError, "Internal"
	}
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status, kind := classify(err)
	if status == http.StatusInternalServerError {
		s.log.Errorw("api_internal_error", "err", err)
	} else {
		s.log.Debugw("api_request_rejected", "kind", kind, "err", err)
	}
	respondError(w, status, kind, err.Error())
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, kind string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   kind,
		Message: message,
	})
}
