// Package http exposes the ledger, gateway, throttle and relay
// services over a REST API.
package http

import (
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/caesarlabs/caesar-core/internal/domain"
	"github.com/caesarlabs/caesar-core/internal/usecase/gateway"
	"github.com/caesarlabs/caesar-core/internal/usecase/ledger"
	"github.com/caesarlabs/caesar-core/internal/usecase/relay"
	"github.com/caesarlabs/caesar-core/internal/usecase/throttle"
)

// Server wires the usecase services into a gin engine.
type Server struct {
	Ledger   *ledger.Service
	Gateway  *gateway.Service
	Throttle *throttle.Service
	Relay    *relay.Service
	Intents  domain.IntentRepository

	logger *zap.Logger
}

// NewServer creates the HTTP server facade.
func NewServer(
	ledgerSvc *ledger.Service,
	gatewaySvc *gateway.Service,
	throttleSvc *throttle.Service,
	relaySvc *relay.Service,
	intents domain.IntentRepository,
	logger *zap.Logger,
) *Server {
	return &Server{
		Ledger:   ledgerSvc,
		Gateway:  gatewaySvc,
		Throttle: throttleSvc,
		Relay:    relaySvc,
		Intents:  intents,
		logger:   logger,
	}
}

// Router builds the gin engine with middleware and all routes.
func (s *Server) Router(apiToken string) *gin.Engine {
	engine := gin.New()
	engine.Use(RequestLogger(s.logger), gin.Recovery())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := engine.Group("/v1", TokenAuth(apiToken))
	{
		v1.GET("/accounts/:id", s.getAccount)
		v1.GET("/accounts/:id/balance", s.getEffectiveBalance)
		v1.POST("/accounts/:id/onramp", s.postOnramp)
		v1.POST("/accounts/:id/offramp", s.postOfframp)
		v1.PUT("/accounts/:id/liquidity-provider", s.putLiquidityProvider)

		v1.POST("/transfers", s.postTransfer)
		v1.GET("/transfers/:id", s.getTransfer)
		v1.POST("/transfers/:id/reevaluate", s.postReevaluate)

		v1.GET("/messages/:id", s.getMessage)
		v1.POST("/messages/:id/validations", s.postValidation)
	}
	return engine
}

type onrampRequest struct {
	FiatAmount string `json:"fiat_amount" binding:"required"`
}

func (s *Server) postOnramp(c *gin.Context) {
	var req onrampRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.FiatAmount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid fiat_amount: " + err.Error()})
		return
	}

	receipt, err := s.Gateway.ProcessOnramp(c.Request.Context(), c.Param("id"), amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account_id":      receipt.AccountID,
		"fiat_amount":     receipt.FiatAmount.String(),
		"tokens_minted":   receipt.TokensMinted.String(),
		"tokens_per_fiat": receipt.TokensPerFiat.String(),
	})
}

type offrampRequest struct {
	TokenAmount string `json:"token_amount" binding:"required"`
}

func (s *Server) postOfframp(c *gin.Context) {
	var req offrampRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.TokenAmount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid token_amount: " + err.Error()})
		return
	}

	receipt, err := s.Gateway.ProcessOfframp(c.Request.Context(), c.Param("id"), amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account_id":      receipt.AccountID,
		"tokens_burned":   receipt.TokensBurned.String(),
		"fiat_amount":     receipt.FiatAmount.String(),
		"tokens_per_fiat": receipt.TokensPerFiat.String(),
	})
}

func (s *Server) getAccount(c *gin.Context) {
	acct, err := s.Ledger.Account(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, accountJSON(acct))
}

func (s *Server) getEffectiveBalance(c *gin.Context) {
	at := time.Now()
	if raw := c.Query("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid at parameter: " + err.Error()})
			return
		}
		at = parsed
	}

	balance, err := s.Ledger.EffectiveBalance(c.Request.Context(), c.Param("id"), at)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account_id":        c.Param("id"),
		"effective_balance": balance.String(),
		"at":                at.Format(time.RFC3339),
	})
}

type liquidityProviderRequest struct {
	Exempt *bool `json:"exempt" binding:"required"`
}

// putLiquidityProvider flips the operator-controlled decay exemption.
func (s *Server) putLiquidityProvider(c *gin.Context) {
	var req liquidityProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	if err := s.Ledger.SetLiquidityProvider(c.Request.Context(), c.Param("id"), *req.Exempt); err != nil {
		respondError(c, err)
		return
	}
	acct, err := s.Ledger.Account(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, accountJSON(acct))
}

type transferRequest struct {
	SourceAccount      string `json:"source_account" binding:"required"`
	DestinationAccount string `json:"destination_account" binding:"required"`
	Amount             string `json:"amount" binding:"required"`
	SourceChainID      string `json:"source_chain_id" binding:"required"`
	DestinationChainID string `json:"destination_chain_id" binding:"required"`
}

// postTransfer creates a transfer intent, runs the throttle, and
// submits approved intents to the relay in one request.
func (s *Server) postTransfer(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount: " + err.Error()})
		return
	}

	ctx := c.Request.Context()
	intent, err := domain.NewTransferIntent(
		req.SourceAccount, req.DestinationAccount,
		req.SourceChainID, req.DestinationChainID,
		amount, time.Now(),
	)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := s.Intents.Create(ctx, intent); err != nil {
		respondError(c, err)
		return
	}

	intent, evalErr := s.Throttle.Evaluate(ctx, intent)
	if intent == nil {
		respondError(c, evalErr)
		return
	}

	body := gin.H{"intent": intentJSON(intent)}
	switch intent.State {
	case domain.IntentApproved:
		msg, err := s.Relay.Submit(ctx, intent.ID)
		if err != nil {
			respondError(c, err)
			return
		}
		// Submit moved the intent to Relayed.
		refreshed, err := s.Intents.Get(ctx, intent.ID)
		if err == nil {
			body["intent"] = intentJSON(refreshed)
		}
		body["message_id"] = msg.ID.String()
		c.JSON(http.StatusCreated, body)

	case domain.IntentThrottled:
		// Alive but delayed; the client may re-evaluate later.
		c.JSON(http.StatusAccepted, body)

	default:
		status := http.StatusConflict
		if evalErr != nil {
			status = statusFor(evalErr)
		}
		if evalErr != nil {
			body["error"] = evalErr.Error()
		}
		c.JSON(status, body)
	}
}

func (s *Server) getTransfer(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transfer id"})
		return
	}
	intent, err := s.Intents.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"intent": intentJSON(intent)})
}

func (s *Server) postReevaluate(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transfer id"})
		return
	}

	ctx := c.Request.Context()
	intent, evalErr := s.Throttle.Reevaluate(ctx, id)
	if intent == nil {
		respondError(c, evalErr)
		return
	}

	body := gin.H{"intent": intentJSON(intent)}
	switch intent.State {
	case domain.IntentApproved:
		msg, err := s.Relay.Submit(ctx, intent.ID)
		if err != nil {
			respondError(c, err)
			return
		}
		refreshed, err := s.Intents.Get(ctx, intent.ID)
		if err == nil {
			body["intent"] = intentJSON(refreshed)
		}
		body["message_id"] = msg.ID.String()
		c.JSON(http.StatusOK, body)

	case domain.IntentThrottled:
		c.JSON(http.StatusAccepted, body)

	default:
		status := http.StatusConflict
		if evalErr != nil {
			status = statusFor(evalErr)
			body["error"] = evalErr.Error()
		}
		c.JSON(status, body)
	}
}

func (s *Server) getMessage(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}
	msg, err := s.Relay.Message(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, messageJSON(msg))
}

type validationRequest struct {
	ValidatorID string `json:"validator_id" binding:"required"`
	Signature   string `json:"signature" binding:"required"` // base64
}

func (s *Server) postValidation(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}

	var req validationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	signature, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "signature must be base64"})
		return
	}

	msg, err := s.Relay.RecordValidation(c.Request.Context(), id, req.ValidatorID, signature)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, messageJSON(msg))
}

func accountJSON(a *domain.Account) gin.H {
	return gin.H{
		"id":                      a.ID,
		"balance":                 a.Balance.String(),
		"last_activity_at":        a.LastActivityAt.Format(time.RFC3339),
		"lifetime_fiat_onramped":  a.LifetimeFiatOnramped.String(),
		"lifetime_fiat_offramped": a.LifetimeFiatOfframped.String(),
		"is_liquidity_provider":   a.IsLiquidityProvider,
	}
}

func intentJSON(t *domain.TransferIntent) gin.H {
	out := gin.H{
		"id":                   t.ID.String(),
		"source_account":       t.SourceAccount,
		"destination_account":  t.DestinationAccount,
		"amount":               t.Amount.String(),
		"source_chain_id":      t.SourceChainID,
		"destination_chain_id": t.DestinationChainID,
		"requested_at":         t.RequestedAt.Format(time.RFC3339),
		"state":                string(t.State),
	}
	if t.PenaltyFee.IsPositive() {
		out["penalty_fee"] = t.PenaltyFee.String()
	}
	if t.RejectReason != "" {
		out["reject_reason"] = t.RejectReason
	}
	return out
}

func messageJSON(m *domain.RelayMessage) gin.H {
	return gin.H{
		"id":               m.ID.String(),
		"intent_id":        m.IntentID.String(),
		"state":            string(m.State),
		"nonce":            m.Payload.Nonce,
		"amount":           m.Payload.Amount.String(),
		"validations":      len(m.Validations),
		"quorum_threshold": m.QuorumThreshold,
		"submitted_at":     m.SubmittedAt.Format(time.RFC3339),
		"credit_pending":   m.CreditPending,
		"refund_pending":   m.RefundPending,
	}
}

// respondError maps domain sentinels to HTTP statuses so callers can
// tell "try again later" from "this request is invalid" from "this
// requires a one-time action".
func respondError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidSignature),
		errors.Is(err, domain.ErrUnknownValidator):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAccountNotValidated):
		return http.StatusPreconditionFailed
	case errors.Is(err, domain.ErrComplianceRequired):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInsufficientBalance),
		errors.Is(err, domain.ErrInsufficientFiatBacking),
		errors.Is(err, domain.ErrSourceDebitFailed),
		errors.Is(err, domain.ErrInvalidStateTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrAccountNotFound),
		errors.Is(err, domain.ErrIntentNotFound),
		errors.Is(err, domain.ErrMessageNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
