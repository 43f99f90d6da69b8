package billing

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, billing, front desk
	readGroup := api.Group("", auth.RequireRole("admin", "billing", "front_desk"))
	readGroup.GET("/bills", h.ListBills)
	readGroup.GET("/bills/:id", h.GetBill)
	readGroup.GET("/bills/:id/history", h.GetBillHistory)
	readGroup.GET("/bills/:id/payments", h.ListPayments)
	readGroup.GET("/bills/:id/claims", h.ListClaims)
	readGroup.GET("/bills/:id/refunds", h.ListRefunds)
	readGroup.GET("/patients/:patient_id/insurance", h.ListInsurance)

	// Write endpoints – admin, billing
	writeGroup := api.Group("", auth.RequireRole("admin", "billing"))
	writeGroup.POST("/bills", h.CreateBill)
	writeGroup.POST("/bills/:id/items", h.AddLineItem)
	writeGroup.DELETE("/bills/:id/items/:item_id", h.RemoveLineItem)
	writeGroup.PUT("/bills/:id/discount", h.UpdateDiscount)
	writeGroup.POST("/bills/:id/finalize", h.FinalizeBill)
	writeGroup.POST("/bills/:id/void", h.VoidBill)
	writeGroup.POST("/bills/:id/payments", h.RecordPayment)
	writeGroup.POST("/bills/:id/claims", h.SubmitClaim)
	writeGroup.PUT("/claims/:id/decision", h.DecideClaim)
	writeGroup.POST("/claims/:id/appeal", h.AppealClaim)
	writeGroup.POST("/bills/:id/refunds", h.RequestRefund)
	writeGroup.PUT("/refunds/:id/approve", h.ApproveRefund)
	writeGroup.PUT("/refunds/:id/reject", h.RejectRefund)
	writeGroup.POST("/refunds/:id/process", h.ProcessRefund)
	writeGroup.POST("/patients/:patient_id/insurance", h.AddInsurance)
	writeGroup.PUT("/insurance/:id", h.UpdateInsurance)
	writeGroup.DELETE("/insurance/:id", h.DeactivateInsurance)
}

// httpError maps domain errors onto HTTP status codes. Conflicts (locked
// bills, lost version races) are 409 so clients know to re-read and retry.
func httpError(err error) error {
	var ve *ValidationError
	var pe *InvalidPaymentError
	var le *BillLockedError
	var de *DuplicateBillingError
	var te *InvalidTransitionError
	switch {
	case errors.As(err, &ve), errors.As(err, &pe):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.As(err, &le), errors.As(err, &te):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &de):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrConcurrencyConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func pathID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// -- Bills --

type createBillRequest struct {
	PatientID    uuid.UUID               `json:"patient_id" validate:"required"`
	DoctorID     *uuid.UUID              `json:"doctor_id"`
	Discount     decimal.Decimal         `json:"discount"`
	DiscountType DiscountType            `json:"discount_type" validate:"omitempty,oneof=fixed percentage"`
	TaxRate      decimal.Decimal         `json:"tax_rate"`
	DueDate      *time.Time              `json:"due_date"`
	Items        []createLineItemRequest `json:"items" validate:"dive"`
}

type createLineItemRequest struct {
	Description        string          `json:"description" validate:"required"`
	ItemType           ItemType        `json:"item_type" validate:"required,oneof=appointment lab_test pharmacy department_service manual"`
	Quantity           int             `json:"quantity" validate:"required,min=1"`
	UnitPrice          decimal.Decimal `json:"unit_price"`
	DiscountAmount     decimal.Decimal `json:"discount_amount"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage"`
	SourceType         *string         `json:"source_type"`
	SourceID           *uuid.UUID      `json:"source_id"`
}

func (r createLineItemRequest) toModel() *BillLineItem {
	return &BillLineItem{
		Description:        r.Description,
		ItemType:           r.ItemType,
		Quantity:           r.Quantity,
		UnitPrice:          r.UnitPrice,
		DiscountAmount:     r.DiscountAmount,
		DiscountPercentage: r.DiscountPercentage,
		SourceType:         r.SourceType,
		SourceID:           r.SourceID,
	}
}

func (h *Handler) CreateBill(c echo.Context) error {
	var req createBillRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b := &Bill{
		PatientID:    req.PatientID,
		DoctorID:     req.DoctorID,
		Discount:     req.Discount,
		DiscountType: req.DiscountType,
		TaxRate:      req.TaxRate,
		DueDate:      req.DueDate,
	}
	for _, it := range req.Items {
		b.Items = append(b.Items, it.toModel())
	}
	if err := h.svc.CreateBill(c.Request().Context(), b, auth.ActorFromEcho(c)); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) GetBill(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	b, err := h.svc.GetBill(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	resp := struct {
		*Bill
		EffectiveStatus BillStatus      `json:"effective_status"`
		BalanceDue      decimal.Decimal `json:"balance_due"`
	}{b, b.EffectiveStatus(time.Now()), b.BalanceDue()}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) ListBills(c echo.Context) error {
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()
	if patientID := c.QueryParam("patient_id"); patientID != "" {
		pid, err := uuid.Parse(patientID)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		items, total, err := h.svc.ListBillsByPatient(ctx, pid, pg.Limit, pg.Offset)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
	}
	items, total, err := h.svc.ListBills(ctx, BillStatus(c.QueryParam("status")), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetBillHistory(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.GetBillHistory(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) AddLineItem(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req createLineItemRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	item := req.toModel()
	if err := h.svc.AddLineItem(c.Request().Context(), id, item, auth.ActorFromEcho(c)); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, item)
}

func (h *Handler) RemoveLineItem(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	itemID, err := pathID(c, "item_id")
	if err != nil {
		return err
	}
	if err := h.svc.RemoveLineItem(c.Request().Context(), id, itemID, auth.ActorFromEcho(c)); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type updateDiscountRequest struct {
	Discount     decimal.Decimal `json:"discount"`
	DiscountType DiscountType    `json:"discount_type" validate:"required,oneof=fixed percentage"`
}

func (h *Handler) UpdateDiscount(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req updateDiscountRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.UpdateDiscount(c.Request().Context(), id, req.Discount, req.DiscountType, auth.ActorFromEcho(c)); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type finalizeBillRequest struct {
	DueDate *time.Time `json:"due_date"`
}

func (h *Handler) FinalizeBill(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req finalizeBillRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.FinalizeBill(c.Request().Context(), id, req.DueDate, auth.ActorFromEcho(c)); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type voidBillRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *Handler) VoidBill(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req voidBillRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.VoidBill(c.Request().Context(), id, req.Reason, auth.ActorFromEcho(c)); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Payments --

type recordPaymentRequest struct {
	Amount         decimal.Decimal  `json:"amount"`
	Method         PaymentMethod    `json:"method" validate:"required,oneof=cash card bank_transfer check mobile_money"`
	AmountTendered *decimal.Decimal `json:"amount_tendered"`
	CardLastFour   *string          `json:"card_last_four"`
	CardType       *string          `json:"card_type"`
	BankName       *string          `json:"bank_name"`
	CheckNumber    *string          `json:"check_number"`
	TransactionID  *string          `json:"transaction_id"`
}

func (h *Handler) RecordPayment(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req recordPaymentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p := &Payment{
		Amount:         req.Amount,
		Method:         req.Method,
		AmountTendered: req.AmountTendered,
		CardLastFour:   req.CardLastFour,
		CardType:       req.CardType,
		BankName:       req.BankName,
		CheckNumber:    req.CheckNumber,
		TransactionID:  req.TransactionID,
	}
	if err := h.svc.RecordPayment(c.Request().Context(), id, p, auth.ActorFromEcho(c)); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) ListPayments(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListPayments(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

// -- Insurance --

type insuranceRequest struct {
	PayorName         string           `json:"payor_name" validate:"required"`
	PolicyNumber      string           `json:"policy_number" validate:"required"`
	CoPayAmount       decimal.Decimal  `json:"co_pay_amount"`
	CoPayPercentage   decimal.Decimal  `json:"co_pay_percentage"`
	DeductibleAmount  decimal.Decimal  `json:"deductible_amount"`
	AnnualMaxCoverage *decimal.Decimal `json:"annual_max_coverage"`
}

func (h *Handler) AddInsurance(c echo.Context) error {
	patientID, err := pathID(c, "patient_id")
	if err != nil {
		return err
	}
	var req insuranceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	pi := &PatientInsurance{
		PatientID:         patientID,
		PayorName:         req.PayorName,
		PolicyNumber:      req.PolicyNumber,
		CoPayAmount:       req.CoPayAmount,
		CoPayPercentage:   req.CoPayPercentage,
		DeductibleAmount:  req.DeductibleAmount,
		AnnualMaxCoverage: req.AnnualMaxCoverage,
	}
	if err := h.svc.AddInsurance(c.Request().Context(), pi); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, pi)
}

func (h *Handler) UpdateInsurance(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	pi, err := h.svc.insurance.GetByID(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	var req insuranceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	pi.PayorName = req.PayorName
	pi.PolicyNumber = req.PolicyNumber
	pi.CoPayAmount = req.CoPayAmount
	pi.CoPayPercentage = req.CoPayPercentage
	pi.DeductibleAmount = req.DeductibleAmount
	pi.AnnualMaxCoverage = req.AnnualMaxCoverage
	if err := h.svc.UpdateInsurance(c.Request().Context(), pi); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pi)
}

func (h *Handler) DeactivateInsurance(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeactivateInsurance(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListInsurance(c echo.Context) error {
	patientID, err := pathID(c, "patient_id")
	if err != nil {
		return err
	}
	activeOnly := c.QueryParam("active") == "true"
	items, err := h.svc.ListInsurance(c.Request().Context(), patientID, activeOnly)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

// -- Claims --

type submitClaimRequest struct {
	InsuranceID uuid.UUID `json:"insurance_id" validate:"required"`
}

func (h *Handler) SubmitClaim(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req submitClaimRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	claim, err := h.svc.SubmitClaim(c.Request().Context(), id, req.InsuranceID, auth.ActorFromEcho(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, claim)
}

type decideClaimRequest struct {
	Status         ClaimStatus      `json:"status" validate:"required,oneof=under_review approved partial_approved rejected"`
	ApprovedAmount *decimal.Decimal `json:"approved_amount"`
	Note           *string          `json:"note"`
}

func (h *Handler) DecideClaim(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req decideClaimRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.DecideClaim(c.Request().Context(), id, req.Status, req.ApprovedAmount, req.Note, auth.ActorFromEcho(c)); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) AppealClaim(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.AppealClaim(c.Request().Context(), id, auth.ActorFromEcho(c)); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListClaims(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListClaims(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

// -- Refunds --

type requestRefundRequest struct {
	PaymentID    *uuid.UUID      `json:"payment_id"`
	LineItemID   *uuid.UUID      `json:"line_item_id"`
	RefundAmount decimal.Decimal `json:"refund_amount"`
	Reason       *string         `json:"reason"`
}

func (h *Handler) RequestRefund(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req requestRefundRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r := &BillRefund{
		BillID:       id,
		PaymentID:    req.PaymentID,
		LineItemID:   req.LineItemID,
		RefundAmount: req.RefundAmount,
		Reason:       req.Reason,
	}
	if err := h.svc.RequestRefund(c.Request().Context(), r, auth.ActorFromEcho(c)); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) ApproveRefund(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.ApproveRefund(c.Request().Context(), id, auth.ActorFromEcho(c)); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type rejectRefundRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *Handler) RejectRefund(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req rejectRefundRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.RejectRefund(c.Request().Context(), id, req.Reason, auth.ActorFromEcho(c)); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ProcessRefund(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.ProcessRefund(c.Request().Context(), id, auth.ActorFromEcho(c)); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListRefunds(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListRefunds(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}
