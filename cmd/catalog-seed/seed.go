package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	domain "github.com/minestore/api/internal/domain"
	"github.com/minestore/api/internal/repositories"
)

// seedFile is the catalog.yaml layout.
type seedFile struct {
	Packages  []seedPackage  `yaml:"packages"`
	Discounts []seedDiscount `yaml:"discounts"`
	Players   []seedPlayer   `yaml:"players"`
}

type seedPackage struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Price     string `yaml:"price"`
	SalePrice string `yaml:"sale_price"`
	Command   string `yaml:"command"`
	Active    *bool  `yaml:"active"`
}

type seedDiscount struct {
	Code      string     `yaml:"code"`
	Type      string     `yaml:"type"`
	Value     int64      `yaml:"value"`
	Active    *bool      `yaml:"active"`
	StartsAt  *time.Time `yaml:"starts_at"`
	ExpiresAt *time.Time `yaml:"expires_at"`
	MaxUses   *int       `yaml:"max_uses"`
}

type seedPlayer struct {
	UserID   string `yaml:"user_id"`
	Username string `yaml:"username"`
}

type catalog struct {
	packages  []domain.StorePackage
	discounts []domain.DiscountCode
	players   []seedPlayer
}

type seedSummary struct {
	Packages  int
	Discounts int
	Players   int
}

func parseCatalog(r io.Reader, now time.Time) (catalog, error) {
	var file seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return catalog{}, fmt.Errorf("parse catalog: %w", err)
	}

	var out catalog
	seen := make(map[string]struct{})
	for i, pkg := range file.Packages {
		id := strings.TrimSpace(pkg.ID)
		if id == "" {
			return catalog{}, fmt.Errorf("packages[%d]: id is required", i)
		}
		if _, dup := seen[id]; dup {
			return catalog{}, fmt.Errorf("packages[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}
		if strings.TrimSpace(pkg.Command) == "" {
			return catalog{}, fmt.Errorf("package %q: command is required", id)
		}
		price, err := domain.ParseMinor(pkg.Price)
		if err != nil || price <= 0 {
			return catalog{}, fmt.Errorf("package %q: price must be a positive amount", id)
		}
		record := domain.StorePackage{
			ID:              id,
			Name:            strings.TrimSpace(pkg.Name),
			Price:           price,
			CommandTemplate: strings.TrimSpace(pkg.Command),
			Active:          pkg.Active == nil || *pkg.Active,
			UpdatedAt:       now,
		}
		if strings.TrimSpace(pkg.SalePrice) != "" {
			sale, err := domain.ParseMinor(pkg.SalePrice)
			if err != nil || sale <= 0 || sale > price {
				return catalog{}, fmt.Errorf("package %q: sale price must be positive and not above price", id)
			}
			record.SalePrice = &sale
		}
		out.packages = append(out.packages, record)
	}

	for i, d := range file.Discounts {
		code := domain.NormalizeDiscountCode(d.Code)
		if code == "" {
			return catalog{}, fmt.Errorf("discounts[%d]: code is required", i)
		}
		kind := domain.DiscountType(strings.ToLower(strings.TrimSpace(d.Type)))
		switch kind {
		case domain.DiscountTypePercentage:
			if d.Value <= 0 || d.Value > 100 {
				return catalog{}, fmt.Errorf("discount %q: percentage must be within 1..100", code)
			}
		case domain.DiscountTypeFixed:
			if d.Value <= 0 {
				return catalog{}, fmt.Errorf("discount %q: fixed value must be positive", code)
			}
		default:
			return catalog{}, fmt.Errorf("discount %q: unknown type %q", code, d.Type)
		}
		if d.StartsAt != nil && d.ExpiresAt != nil && !d.ExpiresAt.After(*d.StartsAt) {
			return catalog{}, fmt.Errorf("discount %q: expires_at must follow starts_at", code)
		}
		out.discounts = append(out.discounts, domain.DiscountCode{
			Code:      code,
			Type:      kind,
			Value:     d.Value,
			Active:    d.Active == nil || *d.Active,
			StartsAt:  d.StartsAt,
			ExpiresAt: d.ExpiresAt,
			MaxUses:   d.MaxUses,
		})
	}

	for i, p := range file.Players {
		p.UserID = strings.TrimSpace(p.UserID)
		p.Username = strings.TrimSpace(p.Username)
		if p.UserID == "" || p.Username == "" {
			return catalog{}, fmt.Errorf("players[%d]: user_id and username are required", i)
		}
		out.players = append(out.players, p)
	}
	return out, nil
}

// apply upserts everything inside one transaction.
func apply(ctx context.Context, uow repositories.UnitOfWork, writer repositories.CatalogWriter, linker repositories.PlayerLinker, c catalog, now time.Time) (seedSummary, error) {
	var summary seedSummary
	err := uow.RunInTx(ctx, func(ctx context.Context) error {
		summary = seedSummary{}
		for _, pkg := range c.packages {
			if err := writer.UpsertPackage(ctx, pkg); err != nil {
				return fmt.Errorf("upsert package %s: %w", pkg.ID, err)
			}
			summary.Packages++
		}
		for _, d := range c.discounts {
			if err := writer.UpsertDiscount(ctx, d); err != nil {
				return fmt.Errorf("upsert discount %s: %w", d.Code, err)
			}
			summary.Discounts++
		}
		for _, p := range c.players {
			if err := linker.LinkPlayer(ctx, p.UserID, p.Username, now); err != nil {
				return fmt.Errorf("link player %s: %w", p.UserID, err)
			}
			summary.Players++
		}
		return nil
	})
	return summary, err
}
