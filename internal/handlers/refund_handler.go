package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"payment-core/internal/middleware"
	"payment-core/internal/models"
	"payment-core/internal/services"
)

// RefundHandler handles refund administration
type RefundHandler struct {
	refunds *services.RefundService
}

// NewRefundHandler creates a new refund handler
func NewRefundHandler(refunds *services.RefundService) *RefundHandler {
	return &RefundHandler{refunds: refunds}
}

// ListRefunds handles GET /api/v1/refunds
// @Summary List refunds
// @Tags refunds
// @Produce json
// @Param status query string false "Refund status"
// @Param payment_id query string false "Payment id"
// @Param from query string false "Created at or after (2006-01-02 or RFC3339)"
// @Param to query string false "Created before (2006-01-02 or RFC3339)"
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} models.ListResponse
// @Router /refunds [get]
func (h *RefundHandler) ListRefunds(c *gin.Context) {
	filter, err := parseRefundFilter(c)
	if err != nil {
		badRequest(c, "Invalid filter", err)
		return
	}

	refunds, total, err := h.refunds.ListRefunds(c.Request.Context(), filter)
	if err != nil {
		respondError(c, "Failed to list refunds", err)
		return
	}

	page, pageSize := filter.Page, filter.PageSize
	if page < 1 {
		page = 1
	}
	switch {
	case pageSize <= 0:
		pageSize = 20
	case pageSize > 100:
		pageSize = 100
	}
	c.JSON(http.StatusOK, models.ListResponse{
		Data:     refunds,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

// GetStatistics handles GET /api/v1/refunds/statistics
// @Summary Refund statistics
// @Tags refunds
// @Produce json
// @Success 200 {object} models.RefundStatistics
// @Router /refunds/statistics [get]
func (h *RefundHandler) GetStatistics(c *gin.Context) {
	filter, err := parseRefundFilter(c)
	if err != nil {
		badRequest(c, "Invalid filter", err)
		return
	}

	stats, err := h.refunds.Statistics(c.Request.Context(), filter)
	if err != nil {
		respondError(c, "Failed to compute refund statistics", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

var refundExportColumns = []string{
	"Refund ID", "Payment ID", "Invoice", "Gateway", "Amount", "Currency", "Status",
	"Reason", "Requested By", "Processed By", "Gateway Refund ID", "Failure", "Created At", "Processed At",
}

// ExportRefunds handles GET /api/v1/refunds/export
// @Summary Export refunds as XLSX
// @Tags refunds
// @Produce application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Success 200 {file} file
// @Router /refunds/export [get]
func (h *RefundHandler) ExportRefunds(c *gin.Context) {
	filter, err := parseRefundFilter(c)
	if err != nil {
		badRequest(c, "Invalid filter", err)
		return
	}

	refunds, err := h.refunds.ExportRefunds(c.Request.Context(), filter)
	if err != nil {
		respondError(c, "Failed to export refunds", err)
		return
	}

	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Refunds"
	f.SetSheetName("Sheet1", sheetName)

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"4472C4"}, Pattern: 1},
	})
	for i, header := range refundExportColumns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheetName, cell, header)
		f.SetCellStyle(sheetName, cell, cell, headerStyle)
		colName, _ := excelize.ColumnNumberToName(i + 1)
		f.SetColWidth(sheetName, colName, colName, 20)
	}

	for rowIdx, r := range refunds {
		for colIdx, value := range refundExportRow(&r) {
			cell, _ := excelize.CoordinatesToCellName(colIdx+1, rowIdx+2)
			f.SetCellValue(sheetName, cell, value)
		}
	}

	filename := fmt.Sprintf("refunds_%s.xlsx", time.Now().UTC().Format("20060102_150405"))
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", "attachment; filename="+filename)
	c.Status(http.StatusOK)
	if err := f.Write(c.Writer); err != nil {
		_ = c.Error(err)
	}
}

func refundExportRow(r *models.Refund) []interface{} {
	var invoice, gatewayCode, gatewayRefundID, processedAt string
	if r.Payment != nil {
		invoice = r.Payment.InvoiceNumber
		gatewayCode = r.Payment.GatewayCode
	}
	if r.GatewayRefundID != nil {
		gatewayRefundID = *r.GatewayRefundID
	}
	if r.ProcessedAt != nil {
		processedAt = r.ProcessedAt.UTC().Format(time.RFC3339)
	}
	amount, _ := r.Amount.Float64()
	return []interface{}{
		r.ID.String(),
		r.PaymentID.String(),
		invoice,
		gatewayCode,
		amount,
		r.Currency,
		string(r.Status),
		r.Reason,
		r.RequestedBy,
		r.ProcessedBy,
		gatewayRefundID,
		r.FailureReason,
		r.CreatedAt.UTC().Format(time.RFC3339),
		processedAt,
	}
}

// GetRefund handles GET /api/v1/refunds/:refund
// @Summary Get a refund
// @Tags refunds
// @Produce json
// @Param refund path string true "Refund id"
// @Success 200 {object} models.Refund
// @Failure 404 {object} models.ErrorResponse
// @Router /refunds/{refund} [get]
func (h *RefundHandler) GetRefund(c *gin.Context) {
	refundID, ok := refundParam(c)
	if !ok {
		return
	}

	refund, err := h.refunds.GetRefund(c.Request.Context(), refundID)
	if err != nil {
		respondError(c, "Failed to get refund", err)
		return
	}
	c.JSON(http.StatusOK, refund)
}

// ProcessRefund handles POST /api/v1/refunds/:refund/process
// @Summary Send a pending refund to the gateway
// @Tags refunds
// @Produce json
// @Param refund path string true "Refund id"
// @Success 200 {object} models.RefundActionResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 422 {object} models.RefundActionResponse
// @Router /refunds/{refund}/process [post]
func (h *RefundHandler) ProcessRefund(c *gin.Context) {
	refundID, ok := refundParam(c)
	if !ok {
		return
	}

	result, err := h.refunds.ProcessRefund(c.Request.Context(), refundID, middleware.GetActor(c))
	if err != nil {
		respondError(c, "Failed to process refund", err)
		return
	}

	response := models.RefundActionResponse{
		Success: result.Success,
		Message: result.Message,
		Refund:  result.Refund,
	}
	if !result.Success {
		c.JSON(http.StatusUnprocessableEntity, response)
		return
	}
	c.JSON(http.StatusOK, response)
}

// CancelRefund handles POST /api/v1/refunds/:refund/cancel
// @Summary Cancel a pending refund
// @Tags refunds
// @Accept json
// @Produce json
// @Param refund path string true "Refund id"
// @Param request body models.CancelRefundRequest false "Reason"
// @Success 200 {object} models.RefundActionResponse
// @Failure 400 {object} models.ErrorResponse
// @Router /refunds/{refund}/cancel [post]
func (h *RefundHandler) CancelRefund(c *gin.Context) {
	refundID, ok := refundParam(c)
	if !ok {
		return
	}

	var req models.CancelRefundRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request", err)
			return
		}
	}

	cancelled, refund, err := h.refunds.CancelRefund(c.Request.Context(), refundID, req.Reason, middleware.GetActor(c))
	if err != nil {
		respondError(c, "Failed to cancel refund", err)
		return
	}
	if !cancelled {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "Refund cannot be cancelled",
			Message: services.MsgRefundCancelNotPending,
			Code:    "refund_not_pending",
		})
		return
	}
	c.JSON(http.StatusOK, models.RefundActionResponse{
		Success: true,
		Message: "Refund cancelled",
		Refund:  refund,
	})
}

func refundParam(c *gin.Context) (uuid.UUID, bool) {
	refundID, err := uuid.Parse(c.Param("refund"))
	if err != nil {
		badRequest(c, "Invalid refund ID", err)
		return uuid.Nil, false
	}
	return refundID, true
}

func parseRefundFilter(c *gin.Context) (models.RefundFilter, error) {
	var filter models.RefundFilter
	if status := c.Query("status"); status != "" {
		filter.Status = models.RefundStatus(status)
	}
	if raw := c.Query("payment_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return filter, fmt.Errorf("invalid payment_id: %w", err)
		}
		filter.PaymentID = &id
	}
	for _, bound := range []struct {
		key string
		dst **time.Time
	}{{"from", &filter.From}, {"to", &filter.To}} {
		raw := c.Query(bound.key)
		if raw == "" {
			continue
		}
		t, err := parseTime(raw)
		if err != nil {
			return filter, fmt.Errorf("invalid %s: %w", bound.key, err)
		}
		*bound.dst = &t
	}
	if raw := c.Query("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil {
			return filter, fmt.Errorf("invalid page: %w", err)
		}
		filter.Page = page
	}
	if raw := c.Query("page_size"); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			return filter, fmt.Errorf("invalid page_size: %w", err)
		}
		filter.PageSize = size
	}
	return filter, nil
}

func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}
