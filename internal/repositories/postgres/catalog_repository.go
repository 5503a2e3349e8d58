package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	domain "github.com/minestore/api/internal/domain"
	ppostgres "github.com/minestore/api/internal/platform/postgres"
	"github.com/minestore/api/internal/repositories"
)

const packageColumns = `id, name, price_minor, sale_price_minor, command_template, active, updated_at`

const discountColumns = `code, type, value, active, starts_at, expires_at, max_uses, uses`

// CatalogRepository implements repositories.CatalogRepository and CatalogWriter.
type CatalogRepository struct {
	provider *ppostgres.Provider
}

var (
	_ repositories.CatalogRepository = (*CatalogRepository)(nil)
	_ repositories.CatalogWriter     = (*CatalogRepository)(nil)
)

// NewCatalogRepository constructs a Postgres-backed catalog repository.
func NewCatalogRepository(provider *ppostgres.Provider) (*CatalogRepository, error) {
	if provider == nil {
		return nil, errors.New("catalog repository requires postgres provider")
	}
	return &CatalogRepository{provider: provider}, nil
}

// FindPackages returns the packages matching ids in no particular order.
func (r *CatalogRepository) FindPackages(ctx context.Context, ids []string) ([]domain.StorePackage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	db, err := r.provider.DB(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(ctx, `SELECT `+packageColumns+` FROM store_packages WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, ppostgres.WrapError("catalog.findPackages", err)
	}
	packages, err := pgx.CollectRows(rows, scanPackage)
	if err != nil {
		return nil, ppostgres.WrapError("catalog.findPackages", err)
	}
	return packages, nil
}

// FindDiscount loads a discount code, including inactive ones.
func (r *CatalogRepository) FindDiscount(ctx context.Context, code string) (domain.DiscountCode, error) {
	normalized := domain.NormalizeDiscountCode(code)
	if normalized == "" {
		return domain.DiscountCode{}, ppostgres.NotFound("catalog.findDiscount", errors.New("discount code is empty"))
	}
	db, err := r.provider.DB(ctx)
	if err != nil {
		return domain.DiscountCode{}, err
	}
	row := db.QueryRow(ctx, `SELECT `+discountColumns+` FROM discount_codes WHERE code = $1`, normalized)
	discount, err := scanDiscount(row)
	if err != nil {
		return domain.DiscountCode{}, ppostgres.WrapError("catalog.findDiscount", err)
	}
	return discount, nil
}

// RedeemDiscount increments the use counter only while the code is valid at the supplied instant.
func (r *CatalogRepository) RedeemDiscount(ctx context.Context, code string, at time.Time) error {
	db, err := r.provider.DB(ctx)
	if err != nil {
		return err
	}
	tag, err := db.Exec(ctx, `
		UPDATE discount_codes
		   SET uses = uses + 1, updated_at = $2
		 WHERE code = $1
		   AND active
		   AND (starts_at IS NULL OR starts_at <= $2)
		   AND (expires_at IS NULL OR expires_at > $2)
		   AND (max_uses IS NULL OR uses < max_uses)`,
		domain.NormalizeDiscountCode(code), at.UTC())
	if err != nil {
		return ppostgres.WrapError("catalog.redeemDiscount", err)
	}
	if tag.RowsAffected() == 0 {
		return ppostgres.Conflict("catalog.redeemDiscount", fmt.Errorf("discount %s is no longer redeemable", code))
	}
	return nil
}

// UpsertPackage creates or replaces a package row.
func (r *CatalogRepository) UpsertPackage(ctx context.Context, pkg domain.StorePackage) error {
	if strings.TrimSpace(pkg.ID) == "" {
		return errors.New("catalog: package id is required")
	}
	db, err := r.provider.DB(ctx)
	if err != nil {
		return err
	}
	updatedAt := pkg.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err = db.Exec(ctx, `
		INSERT INTO store_packages (`+packageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			price_minor = EXCLUDED.price_minor,
			sale_price_minor = EXCLUDED.sale_price_minor,
			command_template = EXCLUDED.command_template,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`,
		pkg.ID, pkg.Name, pkg.Price, pkg.SalePrice, pkg.CommandTemplate, pkg.Active, updatedAt.UTC())
	return ppostgres.WrapError("catalog.upsertPackage", err)
}

// UpsertDiscount creates or replaces a discount code. The use counter is preserved on update.
func (r *CatalogRepository) UpsertDiscount(ctx context.Context, discount domain.DiscountCode) error {
	code := domain.NormalizeDiscountCode(discount.Code)
	if code == "" {
		return errors.New("catalog: discount code is required")
	}
	db, err := r.provider.DB(ctx)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, `
		INSERT INTO discount_codes (`+discountColumns+`, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (code) DO UPDATE SET
			type = EXCLUDED.type,
			value = EXCLUDED.value,
			active = EXCLUDED.active,
			starts_at = EXCLUDED.starts_at,
			expires_at = EXCLUDED.expires_at,
			max_uses = EXCLUDED.max_uses,
			updated_at = now()`,
		code, string(discount.Type), discount.Value, discount.Active,
		utcPtr(discount.StartsAt), utcPtr(discount.ExpiresAt), discount.MaxUses, discount.Uses)
	return ppostgres.WrapError("catalog.upsertDiscount", err)
}

func scanPackage(row pgx.CollectableRow) (domain.StorePackage, error) {
	var pkg domain.StorePackage
	err := row.Scan(&pkg.ID, &pkg.Name, &pkg.Price, &pkg.SalePrice, &pkg.CommandTemplate, &pkg.Active, &pkg.UpdatedAt)
	pkg.UpdatedAt = pkg.UpdatedAt.UTC()
	return pkg, err
}

func scanDiscount(row pgx.Row) (domain.DiscountCode, error) {
	var (
		discount domain.DiscountCode
		kind     string
	)
	err := row.Scan(&discount.Code, &kind, &discount.Value, &discount.Active,
		&discount.StartsAt, &discount.ExpiresAt, &discount.MaxUses, &discount.Uses)
	discount.Type = domain.DiscountType(kind)
	discount.StartsAt = utcPtr(discount.StartsAt)
	discount.ExpiresAt = utcPtr(discount.ExpiresAt)
	return discount, err
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
