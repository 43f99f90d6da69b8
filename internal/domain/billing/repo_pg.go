package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hms/hms/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func conn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

func mapNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// =========== Bill Repository ===========

type billRepoPG struct{ pool *pgxpool.Pool }

func NewBillRepoPG(pool *pgxpool.Pool) BillRepository { return &billRepoPG{pool: pool} }

const billCols = `id, patient_id, doctor_id, insurance_id, status,
	discount, discount_type, tax_rate,
	sub_total, total_discount, total_tax, total_amount,
	amount_paid, insurance_approved_amount,
	due_date, void_reason, version, created_at, updated_at`

func scanBill(row pgx.Row) (*Bill, error) {
	var b Bill
	err := row.Scan(&b.ID, &b.PatientID, &b.DoctorID, &b.InsuranceID, &b.Status,
		&b.Discount, &b.DiscountType, &b.TaxRate,
		&b.SubTotal, &b.TotalDiscount, &b.TotalTax, &b.TotalAmount,
		&b.AmountPaid, &b.InsuranceApprovedAmount,
		&b.DueDate, &b.VoidReason, &b.Version, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &b, nil
}

func (r *billRepoPG) Create(ctx context.Context, b *Bill) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	b.Version = 1
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO bills (id, patient_id, doctor_id, insurance_id, status,
			discount, discount_type, tax_rate,
			sub_total, total_discount, total_tax, total_amount,
			amount_paid, insurance_approved_amount, due_date, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		b.ID, b.PatientID, b.DoctorID, b.InsuranceID, b.Status,
		b.Discount, b.DiscountType, b.TaxRate,
		b.SubTotal, b.TotalDiscount, b.TotalTax, b.TotalAmount,
		b.AmountPaid, b.InsuranceApprovedAmount, b.DueDate, b.Version)
	return err
}

func (r *billRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Bill, error) {
	b, err := scanBill(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+billCols+` FROM bills WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	items, err := r.GetLineItems(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	b.Items = items
	return b, nil
}

// Update writes the bill only if the row still carries the version the
// caller read. A zero-row result means a concurrent writer won.
func (r *billRepoPG) Update(ctx context.Context, b *Bill) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE bills SET doctor_id=$2, insurance_id=$3, status=$4,
			discount=$5, discount_type=$6, tax_rate=$7,
			sub_total=$8, total_discount=$9, total_tax=$10, total_amount=$11,
			amount_paid=$12, insurance_approved_amount=$13,
			due_date=$14, void_reason=$15,
			version=version+1, updated_at=NOW()
		WHERE id = $1 AND version = $16`,
		b.ID, b.DoctorID, b.InsuranceID, b.Status,
		b.Discount, b.DiscountType, b.TaxRate,
		b.SubTotal, b.TotalDiscount, b.TotalTax, b.TotalAmount,
		b.AmountPaid, b.InsuranceApprovedAmount,
		b.DueDate, b.VoidReason, b.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrencyConflict
	}
	b.Version++
	return nil
}

func (r *billRepoPG) FindOpenByPatient(ctx context.Context, patientID uuid.UUID) (*Bill, error) {
	b, err := scanBill(conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+billCols+` FROM bills
		WHERE patient_id = $1 AND status IN ('draft','pending','partial')
		ORDER BY created_at DESC LIMIT 1`, patientID))
	if err != nil {
		return nil, err
	}
	items, err := r.GetLineItems(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	b.Items = items
	return b, nil
}

func (r *billRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Bill, int, error) {
	q := conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM bills WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.Query(ctx, `SELECT `+billCols+` FROM bills WHERE patient_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return collectBills(rows, total)
}

func (r *billRepoPG) List(ctx context.Context, status BillStatus, limit, offset int) ([]*Bill, int, error) {
	q := conn(ctx, r.pool)
	where, args := ``, []interface{}{}
	if status != "" {
		where = ` WHERE status = $1`
		args = append(args, status)
	}
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM bills`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	n := len(args)
	args = append(args, limit, offset)
	rows, err := q.Query(ctx, fmt.Sprintf(`SELECT `+billCols+` FROM bills%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		where, n+1, n+2), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return collectBills(rows, total)
}

func collectBills(rows pgx.Rows, total int) ([]*Bill, int, error) {
	var items []*Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, b)
	}
	return items, total, rows.Err()
}

const lineCols = `id, bill_id, description, item_type, quantity, unit_price,
	discount_amount, discount_percentage, source_type, source_id, created_at`

func scanLineItem(row pgx.Row) (*BillLineItem, error) {
	var li BillLineItem
	err := row.Scan(&li.ID, &li.BillID, &li.Description, &li.ItemType, &li.Quantity, &li.UnitPrice,
		&li.DiscountAmount, &li.DiscountPercentage, &li.SourceType, &li.SourceID, &li.CreatedAt)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &li, nil
}

func (r *billRepoPG) AddLineItem(ctx context.Context, li *BillLineItem) error {
	if li.ID == uuid.Nil {
		li.ID = uuid.New()
	}
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO bill_line_items (id, bill_id, description, item_type, quantity, unit_price,
			discount_amount, discount_percentage, source_type, source_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		li.ID, li.BillID, li.Description, li.ItemType, li.Quantity, li.UnitPrice,
		li.DiscountAmount, li.DiscountPercentage, li.SourceType, li.SourceID)
	return err
}

func (r *billRepoPG) GetLineItems(ctx context.Context, billID uuid.UUID) ([]*BillLineItem, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+lineCols+` FROM bill_line_items WHERE bill_id = $1 ORDER BY created_at`, billID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*BillLineItem
	for rows.Next() {
		li, err := scanLineItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, li)
	}
	return items, rows.Err()
}

func (r *billRepoPG) RemoveLineItem(ctx context.Context, billID, itemID uuid.UUID) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM bill_line_items WHERE id = $1 AND bill_id = $2`, itemID, billID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *billRepoPG) FindLineItemBySource(ctx context.Context, sourceType string, sourceID uuid.UUID) (*BillLineItem, error) {
	return scanLineItem(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+lineCols+` FROM bill_line_items WHERE source_type = $1 AND source_id = $2`, sourceType, sourceID))
}

func (r *billRepoPG) AppendHistory(ctx context.Context, h *StatusHistory) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO bill_status_history (id, bill_id, status_from, status_to, field_name, changed_by, reason, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		h.ID, h.BillID, h.StatusFrom, h.StatusTo, h.FieldName, h.ChangedBy, h.Reason, h.Metadata)
	return err
}

func (r *billRepoPG) GetHistory(ctx context.Context, billID uuid.UUID) ([]*StatusHistory, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT id, bill_id, status_from, status_to, field_name, changed_by, reason, metadata, created_at
		FROM bill_status_history WHERE bill_id = $1 ORDER BY created_at`, billID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*StatusHistory
	for rows.Next() {
		var h StatusHistory
		if err := rows.Scan(&h.ID, &h.BillID, &h.StatusFrom, &h.StatusTo, &h.FieldName,
			&h.ChangedBy, &h.Reason, &h.Metadata, &h.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &h)
	}
	return items, rows.Err()
}

// =========== Payment Repository ===========

type paymentRepoPG struct{ pool *pgxpool.Pool }

func NewPaymentRepoPG(pool *pgxpool.Pool) PaymentRepository { return &paymentRepoPG{pool: pool} }

const paymentCols = `id, bill_id, amount, method, payment_date,
	amount_tendered, change_due, card_last_four, card_type,
	bank_name, check_number, transaction_id, status, refund_id, created_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.BillID, &p.Amount, &p.Method, &p.PaymentDate,
		&p.AmountTendered, &p.ChangeDue, &p.CardLastFour, &p.CardType,
		&p.BankName, &p.CheckNumber, &p.TransactionID, &p.Status, &p.RefundID, &p.CreatedAt)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &p, nil
}

func (r *paymentRepoPG) Create(ctx context.Context, p *Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO bill_payments (id, bill_id, amount, method, payment_date,
			amount_tendered, change_due, card_last_four, card_type,
			bank_name, check_number, transaction_id, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		p.ID, p.BillID, p.Amount, p.Method, p.PaymentDate,
		p.AmountTendered, p.ChangeDue, p.CardLastFour, p.CardType,
		p.BankName, p.CheckNumber, p.TransactionID, p.Status)
	return err
}

func (r *paymentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return scanPayment(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+paymentCols+` FROM bill_payments WHERE id = $1`, id))
}

func (r *paymentRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status PaymentStatus, refundID *uuid.UUID) error {
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE bill_payments SET status = $2, refund_id = COALESCE($3, refund_id) WHERE id = $1`,
		id, status, refundID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *paymentRepoPG) ListByBill(ctx context.Context, billID uuid.UUID) ([]*Payment, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+paymentCols+` FROM bill_payments WHERE bill_id = $1 ORDER BY payment_date`, billID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

// =========== Insurance Repository ===========

type insuranceRepoPG struct{ pool *pgxpool.Pool }

func NewInsuranceRepoPG(pool *pgxpool.Pool) InsuranceRepository { return &insuranceRepoPG{pool: pool} }

const insuranceCols = `id, patient_id, payor_name, policy_number,
	co_pay_amount, co_pay_percentage, deductible_amount, deductible_met,
	annual_max_coverage, annual_used_amount, active, created_at, updated_at`

func scanInsurance(row pgx.Row) (*PatientInsurance, error) {
	var pi PatientInsurance
	err := row.Scan(&pi.ID, &pi.PatientID, &pi.PayorName, &pi.PolicyNumber,
		&pi.CoPayAmount, &pi.CoPayPercentage, &pi.DeductibleAmount, &pi.DeductibleMet,
		&pi.AnnualMaxCoverage, &pi.AnnualUsedAmount, &pi.Active, &pi.CreatedAt, &pi.UpdatedAt)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &pi, nil
}

func (r *insuranceRepoPG) Create(ctx context.Context, pi *PatientInsurance) error {
	if pi.ID == uuid.Nil {
		pi.ID = uuid.New()
	}
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO patient_insurance (id, patient_id, payor_name, policy_number,
			co_pay_amount, co_pay_percentage, deductible_amount, deductible_met,
			annual_max_coverage, annual_used_amount, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		pi.ID, pi.PatientID, pi.PayorName, pi.PolicyNumber,
		pi.CoPayAmount, pi.CoPayPercentage, pi.DeductibleAmount, pi.DeductibleMet,
		pi.AnnualMaxCoverage, pi.AnnualUsedAmount, pi.Active)
	return err
}

func (r *insuranceRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*PatientInsurance, error) {
	return scanInsurance(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+insuranceCols+` FROM patient_insurance WHERE id = $1`, id))
}

func (r *insuranceRepoPG) Update(ctx context.Context, pi *PatientInsurance) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE patient_insurance SET payor_name=$2, policy_number=$3,
			co_pay_amount=$4, co_pay_percentage=$5,
			deductible_amount=$6, deductible_met=$7,
			annual_max_coverage=$8, annual_used_amount=$9, active=$10, updated_at=NOW()
		WHERE id = $1`,
		pi.ID, pi.PayorName, pi.PolicyNumber,
		pi.CoPayAmount, pi.CoPayPercentage,
		pi.DeductibleAmount, pi.DeductibleMet,
		pi.AnnualMaxCoverage, pi.AnnualUsedAmount, pi.Active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *insuranceRepoPG) Deactivate(ctx context.Context, id uuid.UUID) error {
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE patient_insurance SET active = false, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *insuranceRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, activeOnly bool) ([]*PatientInsurance, error) {
	q := `SELECT ` + insuranceCols + ` FROM patient_insurance WHERE patient_id = $1`
	if activeOnly {
		q += ` AND active = true`
	}
	rows, err := conn(ctx, r.pool).Query(ctx, q+` ORDER BY created_at`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*PatientInsurance
	for rows.Next() {
		pi, err := scanInsurance(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, pi)
	}
	return items, rows.Err()
}

// =========== Claim Repository ===========

type claimRepoPG struct{ pool *pgxpool.Pool }

func NewClaimRepoPG(pool *pgxpool.Pool) ClaimRepository { return &claimRepoPG{pool: pool} }

const claimCols = `id, bill_id, insurance_id, claim_amount, approved_amount,
	status, consumption_applied, decision_note, decided_at, created_at, updated_at`

func scanClaim(row pgx.Row) (*InsuranceClaim, error) {
	var c InsuranceClaim
	err := row.Scan(&c.ID, &c.BillID, &c.InsuranceID, &c.ClaimAmount, &c.ApprovedAmount,
		&c.Status, &c.ConsumptionApplied, &c.DecisionNote, &c.DecidedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &c, nil
}

func (r *claimRepoPG) Create(ctx context.Context, c *InsuranceClaim) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO insurance_claims (id, bill_id, insurance_id, claim_amount, status)
		VALUES ($1,$2,$3,$4,$5)`,
		c.ID, c.BillID, c.InsuranceID, c.ClaimAmount, c.Status)
	return err
}

func (r *claimRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*InsuranceClaim, error) {
	return scanClaim(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+claimCols+` FROM insurance_claims WHERE id = $1`, id))
}

func (r *claimRepoPG) Update(ctx context.Context, c *InsuranceClaim) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE insurance_claims SET claim_amount=$2, approved_amount=$3, status=$4,
			consumption_applied=$5, decision_note=$6, decided_at=$7, updated_at=NOW()
		WHERE id = $1`,
		c.ID, c.ClaimAmount, c.ApprovedAmount, c.Status,
		c.ConsumptionApplied, c.DecisionNote, c.DecidedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *claimRepoPG) ListByBill(ctx context.Context, billID uuid.UUID) ([]*InsuranceClaim, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+claimCols+` FROM insurance_claims WHERE bill_id = $1 ORDER BY created_at`, billID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*InsuranceClaim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// =========== Refund Repository ===========

type refundRepoPG struct{ pool *pgxpool.Pool }

func NewRefundRepoPG(pool *pgxpool.Pool) RefundRepository { return &refundRepoPG{pool: pool} }

const refundCols = `id, bill_id, payment_id, line_item_id, refund_amount,
	refund_type, status, reason, processed_at, created_at, updated_at`

func scanRefund(row pgx.Row) (*BillRefund, error) {
	var br BillRefund
	err := row.Scan(&br.ID, &br.BillID, &br.PaymentID, &br.LineItemID, &br.RefundAmount,
		&br.RefundType, &br.Status, &br.Reason, &br.ProcessedAt, &br.CreatedAt, &br.UpdatedAt)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &br, nil
}

func (r *refundRepoPG) Create(ctx context.Context, br *BillRefund) error {
	if br.ID == uuid.Nil {
		br.ID = uuid.New()
	}
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO bill_refunds (id, bill_id, payment_id, line_item_id, refund_amount, refund_type, status, reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		br.ID, br.BillID, br.PaymentID, br.LineItemID, br.RefundAmount, br.RefundType, br.Status, br.Reason)
	return err
}

func (r *refundRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*BillRefund, error) {
	return scanRefund(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+refundCols+` FROM bill_refunds WHERE id = $1`, id))
}

func (r *refundRepoPG) Update(ctx context.Context, br *BillRefund) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE bill_refunds SET status=$2, reason=$3, processed_at=$4, updated_at=NOW()
		WHERE id = $1`,
		br.ID, br.Status, br.Reason, br.ProcessedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *refundRepoPG) ListByBill(ctx context.Context, billID uuid.UUID) ([]*BillRefund, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+refundCols+` FROM bill_refunds WHERE bill_id = $1 ORDER BY created_at`, billID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*BillRefund
	for rows.Next() {
		br, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, br)
	}
	return items, rows.Err()
}
