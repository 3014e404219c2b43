package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"escrowflow/contract"
	"escrowflow/dispute"
	"escrowflow/fault"
)

// entityID validates the :id path parameter before it reaches a repository,
// so a malformed id reads as not-found rather than a pg cast error.
func (s *Server) entityID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if uuid.Validate(id) != nil {
		s.respondError(c, fault.NotFoundf("no entity with id %s", id))
		return "", false
	}
	return id, true
}

type milestoneTermsRequest struct {
	Title      string `json:"title" binding:"required"`
	Percentage int    `json:"percentage" binding:"required,min=1,max=100"`
}

type createContractRequest struct {
	BookingID               string                  `json:"booking_id" binding:"required,uuid"`
	ScopeOfWork             string                  `json:"scope_of_work" binding:"required"`
	Deliverables            []string                `json:"deliverables"`
	Exclusions              []string                `json:"exclusions"`
	MaterialsResponsibility string                  `json:"materials_responsibility"`
	TotalAmount             int64                   `json:"total_amount" binding:"required,gt=0"`
	PlatformFee             int64                   `json:"platform_fee" binding:"min=0"`
	StartDate               *time.Time              `json:"start_date"`
	EstimatedEndDate        *time.Time              `json:"estimated_end_date"`
	Milestones              []milestoneTermsRequest `json:"milestones" binding:"required,min=1,dive"`
}

func (s *Server) createContract(c *gin.Context) {
	var req createContractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	params := contract.DraftParams{
		BookingID:               req.BookingID,
		ScopeOfWork:             req.ScopeOfWork,
		Deliverables:            req.Deliverables,
		Exclusions:              req.Exclusions,
		MaterialsResponsibility: req.MaterialsResponsibility,
		TotalAmount:             req.TotalAmount,
		PlatformFee:             req.PlatformFee,
		StartDate:               req.StartDate,
		EstimatedEndDate:        req.EstimatedEndDate,
	}
	for _, m := range req.Milestones {
		params.Milestones = append(params.Milestones, contract.MilestoneTerms{
			Title: m.Title, Percentage: m.Percentage,
		})
	}

	out, err := s.contracts.CreateDraft(c.Request.Context(), actorFrom(c).ID, params)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, viewContract(out))
}

func (s *Server) getContract(c *gin.Context) {
	id, ok := s.entityID(c)
	if !ok {
		return
	}
	out, err := s.contracts.Get(c.Request.Context(), actorFrom(c).ID, id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewContract(out))
}

func (s *Server) sendContract(c *gin.Context) {
	id, ok := s.entityID(c)
	if !ok {
		return
	}
	if err := s.contracts.Send(c.Request.Context(), actorFrom(c).ID, id); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "pending_signatures"})
}

func (s *Server) signContract(c *gin.Context) {
	id, ok := s.entityID(c)
	if !ok {
		return
	}
	out, err := s.contracts.Sign(c.Request.Context(), actorFrom(c).ID, id, c.ClientIP())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewContract(out))
}

type cancelContractRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) cancelContract(c *gin.Context) {
	id, ok := s.entityID(c)
	if !ok {
		return
	}
	var req cancelContractRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		respondBindError(c, err)
		return
	}
	if err := s.contracts.Cancel(c.Request.Context(), actorFrom(c).ID, id, req.Reason); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

type createEscrowRequest struct {
	ContractID string `json:"contract_id" binding:"required,uuid"`
}

func (s *Server) createEscrow(c *gin.Context) {
	var req createEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	out, err := s.escrows.CreateForContract(c.Request.Context(), actorFrom(c).ID, req.ContractID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, viewLedger(out))
}

func (s *Server) getEscrow(c *gin.Context) {
	id, ok := s.entityID(c)
	if !ok {
		return
	}
	out, err := s.escrows.Get(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewLedger(out))
}

type fundEscrowRequest struct {
	Reference string `json:"reference"`
}

// fundEscrow is two-phase: without a reference it initializes a charge and
// returns the authorization URL; with one it verifies the charge and marks
// the ledger funded.
func (s *Server) fundEscrow(c *gin.Context) {
	id, ok := s.entityID(c)
	if !ok {
		return
	}
	var req fundEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		respondBindError(c, err)
		return
	}

	ctx := c.Request.Context()
	actor := actorFrom(c)
	if req.Reference == "" {
		url, err := s.escrows.InitiateFunding(ctx, actor.ID, id)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"authorization_url": url})
		return
	}

	out, err := s.escrows.Fund(ctx, actor.ID, id, req.Reference)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewLedger(out))
}

func milestoneNumber(c *gin.Context) (int, bool) {
	n, err := strconv.Atoi(c.Param("n"))
	if err != nil {
		return 0, false
	}
	return n, true
}

func (s *Server) requestMilestone(c *gin.Context) {
	id, ok := s.entityID(c)
	if !ok {
		return
	}
	n, ok := milestoneNumber(c)
	if !ok {
		s.respondError(c, fault.Validationf("milestone number must be an integer"))
		return
	}
	out, err := s.milestones.Request(c.Request.Context(), actorFrom(c), id, n)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewLedger(out))
}

type approveMilestoneRequest struct {
	Approve *bool `json:"approve" binding:"required"`
}

func (s *Server) approveMilestone(c *gin.Context) {
	id, ok := s.entityID(c)
	if !ok {
		return
	}
	n, ok := milestoneNumber(c)
	if !ok {
		s.respondError(c, fault.Validationf("milestone number must be an integer"))
		return
	}
	var req approveMilestoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	out, err := s.milestones.Approve(c.Request.Context(), actorFrom(c), id, n, *req.Approve)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewLedger(out))
}

func (s *Server) nextMilestone(c *gin.Context) {
	id, ok := s.entityID(c)
	if !ok {
		return
	}
	out, err := s.milestones.Next(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type openDisputeRequest struct {
	ContractID  string `json:"contract_id" binding:"required,uuid"`
	Category    string `json:"category" binding:"required,dispute_category"`
	Description string `json:"description" binding:"required"`
}

func (s *Server) openDispute(c *gin.Context) {
	var req openDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	out, err := s.disputes.Open(c.Request.Context(), actorFrom(c), req.ContractID,
		dispute.Category(req.Category), req.Description)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, viewDispute(out))
}

func (s *Server) getDispute(c *gin.Context) {
	id, ok := s.entityID(c)
	if !ok {
		return
	}
	out, err := s.disputes.Get(c.Request.Context(), actorFrom(c), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewDispute(out))
}

type disputeTextRequest struct {
	Text string `json:"text" binding:"required"`
}

func (s *Server) disputeResponse(c *gin.Context) {
	id, ok := s.entityID(c)
	if !ok {
		return
	}
	var req disputeTextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	out, err := s.disputes.SubmitArtisanResponse(c.Request.Context(), actorFrom(c), id, req.Text)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewDispute(out))
}

func (s *Server) disputeCounter(c *gin.Context) {
	id, ok := s.entityID(c)
	if !ok {
		return
	}
	var req disputeTextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	out, err := s.disputes.SubmitCustomerCounter(c.Request.Context(), actorFrom(c), id, req.Text)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewDispute(out))
}

type disputeEvidenceRequest struct {
	MediaType   string `json:"media_type" binding:"required"`
	URL         string `json:"url" binding:"required,url"`
	Description string `json:"description"`
}

func (s *Server) disputeEvidence(c *gin.Context) {
	id, ok := s.entityID(c)
	if !ok {
		return
	}
	var req disputeEvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	out, err := s.disputes.AttachEvidence(c.Request.Context(), actorFrom(c), id, dispute.EvidenceParams{
		MediaType:   req.MediaType,
		URL:         req.URL,
		Description: req.Description,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewDispute(out))
}

type disputeDecideRequest struct {
	Decision             string `json:"decision" binding:"required"`
	CustomerRefundAmount int64  `json:"customer_refund_amount" binding:"min=0"`
	ArtisanPaymentAmount int64  `json:"artisan_payment_amount" binding:"min=0"`
	Notes                string `json:"notes"`
}

func (s *Server) disputeDecide(c *gin.Context) {
	id, ok := s.entityID(c)
	if !ok {
		return
	}
	var req disputeDecideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	out, err := s.disputes.Decide(c.Request.Context(), actorFrom(c), id, dispute.Ruling{
		Decision:             req.Decision,
		CustomerRefundAmount: req.CustomerRefundAmount,
		ArtisanPaymentAmount: req.ArtisanPaymentAmount,
		Notes:                req.Notes,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewDispute(out))
}
