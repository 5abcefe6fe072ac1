package registry

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/problem-harvester/internal/harvest"
	"github.com/JakeFAU/problem-harvester/internal/storage/memory"
)

type seqIDs struct{ n int }

func (g *seqIDs) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("src-%d", g.n), nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newService() (*Service, *memory.Store) {
	store := memory.NewStore()
	return NewService(store, &seqIDs{}, fixedClock{now: time.Unix(1700000000, 0).UTC()}, nil), store
}

func validInput() SourceInput {
	return SourceInput{
		Name:        "Algebra",
		Type:        "html",
		BaseURL:     "https://example.org/algebra/",
		LinkPattern: `/worksheet/\d+`,
		FileTypes:   []string{".PDF", "pdf", "docx"},
		MaxDepth:    2,
		DelayMs:     1000,
	}
}

func TestCreateDefaultsActiveAndNormalizesFileTypes(t *testing.T) {
	t.Parallel()

	svc, _ := newService()
	src, err := svc.Create(context.Background(), validInput())
	require.NoError(t, err)
	require.Equal(t, "src-1", src.ID)
	require.True(t, src.Active)
	require.Equal(t, []string{"pdf", "docx"}, src.FileTypes)
	require.Equal(t, time.Second, src.Delay())
}

func TestValidateRejectsBadInput(t *testing.T) {
	t.Parallel()

	cases := map[string]func(*SourceInput){
		"empty name":       func(in *SourceInput) { in.Name = " " },
		"empty type":       func(in *SourceInput) { in.Type = "" },
		"empty base":       func(in *SourceInput) { in.BaseURL = "" },
		"relative base":    func(in *SourceInput) { in.BaseURL = "/algebra" },
		"ftp base":         func(in *SourceInput) { in.BaseURL = "ftp://example.org" },
		"bad pattern":      func(in *SourceInput) { in.LinkPattern = "([" },
		"negative depth":   func(in *SourceInput) { in.MaxDepth = -1 },
		"negative delayMs": func(in *SourceInput) { in.DelayMs = -5 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			in := validInput()
			mutate(&in)
			require.ErrorIs(t, Validate(in), harvest.ErrValidation)
		})
	}
}

func TestUpdateDeactivates(t *testing.T) {
	t.Parallel()

	svc, _ := newService()
	ctx := context.Background()
	src, err := svc.Create(ctx, validInput())
	require.NoError(t, err)

	in := validInput()
	inactive := false
	in.Active = &inactive
	updated, err := svc.Update(ctx, src.ID, in)
	require.NoError(t, err)
	require.False(t, updated.Active)
	require.Equal(t, src.CreatedAt, updated.CreatedAt)

	_, err = svc.Update(ctx, "missing", validInput())
	require.ErrorIs(t, err, harvest.ErrNotFound)
}

func TestDeleteUnknownSource(t *testing.T) {
	t.Parallel()

	svc, _ := newService()
	require.ErrorIs(t, svc.Delete(context.Background(), "nope"), harvest.ErrNotFound)
}

func TestImportSeedReportsPerEntry(t *testing.T) {
	t.Parallel()

	doc := `
sources:
  - name: Algebra
    type: html
    base_url: https://example.org/algebra/
    file_types: [pdf]
    max_depth: 1
  - name: ""
    type: html
    base_url: https://example.org/
  - name: Geometry
    type: html
    base_url: https://example.org/geometry/
    delay_ms: 2000
`
	seed, err := ParseSeed(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, seed.Sources, 3)

	svc, store := newService()
	res := svc.Import(context.Background(), seed)
	require.Len(t, res.Created, 2)
	require.Len(t, res.Failed, 1)
	require.ErrorIs(t, res.Failed[1], harvest.ErrValidation)

	all, err := store.ListSources(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestParseSeedRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	_, err := ParseSeed(strings.NewReader("sources:\n  - nme: typo\n"))
	require.ErrorIs(t, err, harvest.ErrValidation)
}
