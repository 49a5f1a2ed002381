// Package postgres holds the database/sql repositories for leads,
// platforms, and routing decisions.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/sunbeam/leadflow/internal/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// LeadRepo implements lead persistence against PostgreSQL.
type LeadRepo struct{ db *sql.DB }

// NewLeadRepo creates a Postgres-backed lead repository.
func NewLeadRepo(db *sql.DB) *LeadRepo { return &LeadRepo{db: db} }

func (r *LeadRepo) Get(ctx context.Context, id string) (*domain.Lead, error) {
	l := &domain.Lead{}
	var (
		bill          sql.NullFloat64
		homeowner     sql.NullBool
		firstExported pq.NullTime
		soldAt        pq.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, first_name, last_name, COALESCE(email,''), COALESCE(phone,''),
		       COALESCE(address,''), COALESCE(city,''), COALESCE(state,''),
		       COALESCE(zip_code,''), COALESCE(borough,''), COALESCE(property_type,''),
		       COALESCE(square_footage,0), COALESCE(roof_type,''), COALESCE(roof_condition,''),
		       monthly_bill, homeowner, COALESCE(timeline,''), COALESCE(electric_provider,''),
		       score, tier, estimated_value,
		       export_status, exported_to, first_exported_at, sold_at,
		       COALESCE(source,''), created_at, updated_at
		FROM leads
		WHERE id = $1
	`, id).Scan(
		&l.ID, &l.Contact.FirstName, &l.Contact.LastName, &l.Contact.Email, &l.Contact.Phone,
		&l.Property.Address, &l.Property.City, &l.Property.State,
		&l.Property.ZipCode, &l.Property.Borough, &l.Property.PropertyType,
		&l.Property.SquareFootage, &l.Property.RoofType, &l.Property.RoofCondition,
		&bill, &homeowner, &l.Qualification.Timeline, &l.Qualification.ElectricProvider,
		&l.Score, &l.Tier, &l.EstimatedValue,
		&l.ExportStatus, pq.Array(&l.ExportedTo), &firstExported, &soldAt,
		&l.Source, &l.CreatedAt, &l.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lead: %w", err)
	}
	if bill.Valid {
		l.Qualification.MonthlyBill = &bill.Float64
	}
	if homeowner.Valid {
		l.Qualification.Homeowner = &homeowner.Bool
	}
	if firstExported.Valid {
		l.FirstExportedAt = &firstExported.Time
	}
	if soldAt.Valid {
		l.SoldAt = &soldAt.Time
	}
	return l, nil
}

// Save upserts a lead. New leads get a generated id.
func (r *LeadRepo) Save(ctx context.Context, l *domain.Lead) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if err := l.Validate(); err != nil {
		return err
	}
	if l.ExportStatus == "" {
		l.ExportStatus = domain.ExportPending
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO leads (
			id, first_name, last_name, email, phone,
			address, city, state, zip_code, borough, property_type,
			square_footage, roof_type, roof_condition,
			monthly_bill, homeowner, timeline, electric_provider,
			score, tier, estimated_value, export_status, exported_to,
			source, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,NOW(),NOW())
		ON CONFLICT (id) DO UPDATE SET
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			email = EXCLUDED.email,
			phone = EXCLUDED.phone,
			address = EXCLUDED.address,
			city = EXCLUDED.city,
			state = EXCLUDED.state,
			zip_code = EXCLUDED.zip_code,
			borough = EXCLUDED.borough,
			property_type = EXCLUDED.property_type,
			square_footage = EXCLUDED.square_footage,
			roof_type = EXCLUDED.roof_type,
			roof_condition = EXCLUDED.roof_condition,
			monthly_bill = EXCLUDED.monthly_bill,
			homeowner = EXCLUDED.homeowner,
			timeline = EXCLUDED.timeline,
			electric_provider = EXCLUDED.electric_provider,
			score = EXCLUDED.score,
			tier = EXCLUDED.tier,
			estimated_value = EXCLUDED.estimated_value,
			updated_at = NOW()
	`, l.ID, l.Contact.FirstName, l.Contact.LastName, l.Contact.Email, l.Contact.Phone,
		l.Property.Address, l.Property.City, l.Property.State, l.Property.ZipCode,
		l.Property.Borough, l.Property.PropertyType, l.Property.SquareFootage,
		l.Property.RoofType, l.Property.RoofCondition,
		l.Qualification.MonthlyBill, l.Qualification.Homeowner,
		l.Qualification.Timeline, l.Qualification.ElectricProvider,
		l.Score, l.Tier, l.EstimatedValue, l.ExportStatus, pq.Array(l.ExportedTo),
		l.Source)
	if err != nil {
		return fmt.Errorf("save lead: %w", err)
	}
	return nil
}

// MarkExported appends the platform to the lead's delivery history and
// stamps the first export. Idempotent per platform.
func (r *LeadRepo) MarkExported(ctx context.Context, leadID, platformCode string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE leads
		SET exported_to = array_append(exported_to, $2),
		    export_status = 'exported',
		    first_exported_at = COALESCE(first_exported_at, $3),
		    updated_at = NOW()
		WHERE id = $1
		  AND NOT ($2 = ANY(exported_to))`, leadID, platformCode, at)
	if err != nil {
		return fmt.Errorf("mark lead exported: %w", err)
	}
	return nil
}

// MarkFailed records that every dispatch attempt for the lead was spent.
// Leads already exported or sold keep their status.
func (r *LeadRepo) MarkFailed(ctx context.Context, leadID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE leads
		SET export_status = 'failed', updated_at = NOW()
		WHERE id = $1
		  AND export_status NOT IN ('exported', 'sold')`, leadID)
	if err != nil {
		return fmt.Errorf("mark lead failed: %w", err)
	}
	return nil
}

// MarkSold records a buyer accept.
func (r *LeadRepo) MarkSold(ctx context.Context, leadID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE leads
		SET export_status = 'sold',
		    sold_at = COALESCE(sold_at, $2),
		    updated_at = NOW()
		WHERE id = $1`, leadID, at)
	if err != nil {
		return fmt.Errorf("mark lead sold: %w", err)
	}
	return nil
}
