package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/minestore/api/internal/domain"
)

var seedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const sampleSeed = `
packages:
  - id: pkg_diamonds
    name: Diamond Bundle
    price: "8.00"
    command: "give {username} diamond 64"
  - id: pkg_rank
    name: VIP Rank
    price: "20.00"
    sale_price: "15.00"
    command: "lp user {username} parent add vip"
    active: false
discounts:
  - code: " save10 "
    type: percentage
    value: 10
    max_uses: 100
  - code: FLAT5
    type: fixed
    value: 500
players:
  - user_id: user-1
    username: Steve
`

func TestParseCatalog(t *testing.T) {
	c, err := parseCatalog(strings.NewReader(sampleSeed), seedNow)
	if err != nil {
		t.Fatalf("parseCatalog: %v", err)
	}
	if len(c.packages) != 2 || len(c.discounts) != 2 || len(c.players) != 1 {
		t.Fatalf("unexpected counts %d/%d/%d", len(c.packages), len(c.discounts), len(c.players))
	}
	diamonds := c.packages[0]
	if diamonds.Price != 800 || !diamonds.Active || diamonds.SalePrice != nil || !diamonds.UpdatedAt.Equal(seedNow) {
		t.Fatalf("unexpected package %+v", diamonds)
	}
	rank := c.packages[1]
	if rank.Active || rank.SalePrice == nil || *rank.SalePrice != 1500 {
		t.Fatalf("unexpected sale package %+v", rank)
	}
	save := c.discounts[0]
	if save.Code != "SAVE10" || save.Type != domain.DiscountTypePercentage || save.MaxUses == nil || *save.MaxUses != 100 {
		t.Fatalf("unexpected discount %+v", save)
	}
	if c.discounts[1].MaxUses != nil {
		t.Fatalf("expected unlimited fixed discount")
	}
}

func TestParseCatalogRejectsInvalidEntries(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "missing id", body: "packages:\n  - price: \"1.00\"\n    command: x\n", want: "id is required"},
		{name: "duplicate id", body: "packages:\n  - {id: a, price: \"1.00\", command: x}\n  - {id: a, price: \"1.00\", command: x}\n", want: "duplicate id"},
		{name: "zero price", body: "packages:\n  - {id: a, price: \"0\", command: x}\n", want: "positive amount"},
		{name: "sale above price", body: "packages:\n  - {id: a, price: \"1.00\", sale_price: \"2.00\", command: x}\n", want: "sale price"},
		{name: "missing command", body: "packages:\n  - {id: a, price: \"1.00\"}\n", want: "command is required"},
		{name: "percentage over 100", body: "discounts:\n  - {code: BIG, type: percentage, value: 150}\n", want: "1..100"},
		{name: "unknown type", body: "discounts:\n  - {code: BIG, type: bogo, value: 1}\n", want: "unknown type"},
		{name: "unknown field", body: "packages:\n  - {id: a, price: \"1.00\", command: x, colour: red}\n", want: "parse catalog"},
		{name: "player without username", body: "players:\n  - {user_id: u1}\n", want: "username are required"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseCatalog(strings.NewReader(tc.body), seedNow)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestParseCatalogEmptyFile(t *testing.T) {
	c, err := parseCatalog(strings.NewReader(""), seedNow)
	if err != nil {
		t.Fatalf("empty file: %v", err)
	}
	if len(c.packages)+len(c.discounts)+len(c.players) != 0 {
		t.Fatalf("expected empty catalog, got %+v", c)
	}
}

type recordingWriter struct {
	packages  []string
	discounts []string
	players   []string
	failOn    string
}

func (w *recordingWriter) UpsertPackage(_ context.Context, pkg domain.StorePackage) error {
	if pkg.ID == w.failOn {
		return errors.New("constraint violation")
	}
	w.packages = append(w.packages, pkg.ID)
	return nil
}

func (w *recordingWriter) UpsertDiscount(_ context.Context, d domain.DiscountCode) error {
	w.discounts = append(w.discounts, d.Code)
	return nil
}

func (w *recordingWriter) LinkPlayer(_ context.Context, userID, username string, at time.Time) error {
	w.players = append(w.players, userID+"="+username)
	return nil
}

type inlineTx struct{ calls int }

func (u *inlineTx) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	u.calls++
	return fn(ctx)
}

func TestApplyUpsertsInOneTransaction(t *testing.T) {
	c, err := parseCatalog(strings.NewReader(sampleSeed), seedNow)
	if err != nil {
		t.Fatalf("parseCatalog: %v", err)
	}
	writer := &recordingWriter{}
	tx := &inlineTx{}
	summary, err := apply(context.Background(), tx, writer, writer, c, seedNow)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if tx.calls != 1 {
		t.Fatalf("expected one transaction, got %d", tx.calls)
	}
	if summary != (seedSummary{Packages: 2, Discounts: 2, Players: 1}) {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if writer.players[0] != "user-1=Steve" {
		t.Fatalf("unexpected player link %v", writer.players)
	}

	failing := &recordingWriter{failOn: "pkg_rank"}
	if _, err := apply(context.Background(), &inlineTx{}, failing, failing, c, seedNow); err == nil || !strings.Contains(err.Error(), "pkg_rank") {
		t.Fatalf("expected failure naming the package, got %v", err)
	}
}
