// Package httpapi is the REST boundary. Handlers bind and translate; all
// authorization beyond role gates and all state rules live in the services.
package httpapi

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"escrowflow/auth"
	"escrowflow/contract"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/milestone"
)

// ContractService is the slice of the contract service the API serves.
type ContractService interface {
	CreateDraft(ctx context.Context, actorID string, params contract.DraftParams) (contract.Contract, error)
	Send(ctx context.Context, actorID, contractID string) error
	Sign(ctx context.Context, actorID, contractID, ip string) (contract.Contract, error)
	Cancel(ctx context.Context, actorID, contractID, reason string) error
	Get(ctx context.Context, actorID, contractID string) (contract.Contract, error)
}

// EscrowEngine is the slice of the escrow engine the API serves.
type EscrowEngine interface {
	CreateForContract(ctx context.Context, actorID, contractID string) (escrow.Ledger, error)
	InitiateFunding(ctx context.Context, actorID, escrowID string) (string, error)
	Fund(ctx context.Context, actorID, escrowID, reference string) (escrow.Ledger, error)
	Get(ctx context.Context, escrowID string) (escrow.Ledger, error)
}

// MilestoneWorkflow is the request/approve surface.
type MilestoneWorkflow interface {
	Request(ctx context.Context, actor auth.Actor, escrowID string, n int) (escrow.Ledger, error)
	Approve(ctx context.Context, actor auth.Actor, escrowID string, n int, approve bool) (escrow.Ledger, error)
	Next(ctx context.Context, escrowID string) (milestone.NextAction, error)
}

// DisputeService is the dispute lifecycle surface.
type DisputeService interface {
	Open(ctx context.Context, actor auth.Actor, contractID string, category dispute.Category, description string) (dispute.Dispute, error)
	SubmitArtisanResponse(ctx context.Context, actor auth.Actor, disputeID, response string) (dispute.Dispute, error)
	SubmitCustomerCounter(ctx context.Context, actor auth.Actor, disputeID, counter string) (dispute.Dispute, error)
	AttachEvidence(ctx context.Context, actor auth.Actor, disputeID string, params dispute.EvidenceParams) (dispute.Dispute, error)
	Decide(ctx context.Context, actor auth.Actor, disputeID string, ruling dispute.Ruling) (dispute.Dispute, error)
	Get(ctx context.Context, actor auth.Actor, disputeID string) (dispute.Dispute, error)
}

type Server struct {
	contracts  ContractService
	escrows    EscrowEngine
	milestones MilestoneWorkflow
	disputes   DisputeService
	tokens     *auth.TokenService
	log        *zap.SugaredLogger
}

func NewServer(contracts ContractService, escrows EscrowEngine, milestones MilestoneWorkflow,
	disputes DisputeService, tokens *auth.TokenService, log *zap.SugaredLogger) *Server {
	return &Server{
		contracts:  contracts,
		escrows:    escrows,
		milestones: milestones,
		disputes:   disputes,
		tokens:     tokens,
		log:        log,
	}
}

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("dispute_category", func(fl validator.FieldLevel) bool {
			return dispute.KnownCategory(dispute.Category(fl.Field().String()))
		})
	}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	api := r.Group("/", s.authenticate)

	api.POST("/contracts", s.createContract)
	api.GET("/contracts/:id", s.getContract)
	api.POST("/contracts/:id/send", s.sendContract)
	api.POST("/contracts/:id/sign", s.signContract)
	api.POST("/contracts/:id/cancel", s.cancelContract)

	api.POST("/escrows", s.createEscrow)
	api.GET("/escrows/:id", s.getEscrow)
	api.POST("/escrows/:id/fund", s.fundEscrow)
	api.POST("/escrows/:id/milestones/:n/request", s.requestMilestone)
	api.POST("/escrows/:id/milestones/:n/approve", s.approveMilestone)
	api.GET("/escrows/:id/milestones/next", s.nextMilestone)

	api.POST("/disputes", s.openDispute)
	api.GET("/disputes/:id", s.getDispute)
	api.POST("/disputes/:id/response", s.disputeResponse)
	api.POST("/disputes/:id/counter", s.disputeCounter)
	api.POST("/disputes/:id/evidence", s.disputeEvidence)
	api.POST("/disputes/:id/decide", s.disputeDecide)

	return r
}
