/*
scenarios.go - Sample data loaders for demonstrations

PURPOSE:

	Provides pre-built scenarios that seed a root with a roster and one or
	more master exports, so an operator can walk through a review cycle
	without real HR or IAM data.

AVAILABLE SCENARIOS:

	small-team:     Two reviewers, three entitlements, one cycle
	delegation:     A reviewer on leave whose worksheet goes to a delegate
	supplementary:  An initial export and a later one with drift, for
	                opening a supplementary cycle against the first

HOW SCENARIOS WORK:
 1. Refuse if a cycle is open (the roster is shared by every cycle)
 2. Write roster.json at the root
 3. Write the exports under samples/<scenario_id>/
 4. Return the export paths to pass to POST /api/cycles

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "delegation"}

NOTE:

	Loading replaces roster.json. Only use on demo roots.
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/warp/access-review/cycle"
	"github.com/warp/access-review/layout"
	"github.com/warp/access-review/review"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// ScenarioDTO describes a sample scenario.
type ScenarioDTO struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Exports     []string `json:"exports"`
}

// LoadScenarioRequest selects a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// LoadedScenarioDTO lists what a load wrote.
type LoadedScenarioDTO struct {
	ScenarioID string   `json:"scenario_id"`
	Roster     string   `json:"roster"`
	Exports    []string `json:"exports"`
}

type sampleExport struct {
	name string
	csv  string
}

type scenario struct {
	ScenarioDTO
	roster  []review.Reviewer
	exports []sampleExport
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "small-team",
			Name:        "Small Team",
			Description: "Two reviewers own three ERP and CRM entitlements",
		},
		roster: []review.Reviewer{
			{ID: "bob", Name: "Bob Builder", Email: "bob@example.com"},
			{ID: "dan", Name: "Dan Dare", Email: "dan@example.com"},
		},
		exports: []sampleExport{{
			name: "entitlements.csv",
			csv: `user_id,system,role,granted_on,reviewer_id,department
alice,ERP,admin,2024-01-15,bob,Finance
alice,CRM,user,2024-02-01,bob,Finance
carol,ERP,user,,dan,Sales
`,
		}},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "delegation",
			Name:        "Delegation",
			Description: "Bob is on leave; his worksheet is mailed to Frank but stays Bob's",
		},
		roster: []review.Reviewer{
			{ID: "bob", Name: "Bob Builder", Email: "bob@example.com", OnLeave: true, Delegate: "frank"},
			{ID: "dan", Name: "Dan Dare", Email: "dan@example.com"},
			{ID: "frank", Name: "Frank Castle", Email: "frank@example.com"},
		},
		exports: []sampleExport{{
			name: "entitlements.csv",
			csv: `user_id,system,role,granted_on,reviewer_id
alice,ERP,admin,2024-01-15,bob
alice,CRM,user,2024-02-01,bob
carol,ERP,user,2023-11-30,dan
erin,HRIS,viewer,2024-05-02,dan
`,
		}},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "supplementary",
			Name:        "Supplementary Cycle",
			Description: "A second export adds one grant and re-grants one role after the first cycle opened",
		},
		roster: []review.Reviewer{
			{ID: "bob", Name: "Bob Builder", Email: "bob@example.com"},
			{ID: "dan", Name: "Dan Dare", Email: "dan@example.com"},
		},
		exports: []sampleExport{
			{
				name: "entitlements-q1.csv",
				csv: `user_id,system,role,granted_on,reviewer_id
alice,ERP,admin,2024-01-15,bob
carol,ERP,user,2023-11-30,dan
`,
			},
			{
				name: "entitlements-q1-late.csv",
				csv: `user_id,system,role,granted_on,reviewer_id
alice,ERP,admin,2024-01-15,bob
carol,ERP,user,2025-03-05,dan
mike,CRM,user,2025-03-10,bob
`,
			},
		},
	},
}

func init() {
	for i := range scenarios {
		for _, e := range scenarios[i].exports {
			scenarios[i].Exports = append(scenarios[i].Exports, e.name)
		}
	}
}

// SampleDir is where LoadScenario writes exports, relative to the root.
const SampleDir = "samples"

// LoadScenario writes the roster and exports of scenario id under the
// service root.
func LoadScenario(ctx context.Context, svc *cycle.Service, id string) (*LoadedScenarioDTO, error) {
	var sc *scenario
	for i := range scenarios {
		if scenarios[i].ID == id {
			sc = &scenarios[i]
		}
	}
	if sc == nil {
		return nil, ErrUnknownScenario
	}

	c, err := svc.Current(ctx)
	switch {
	case err == nil:
		return nil, review.NewError(review.ErrCycleAlreadyOpen, c.ID.String(), "cycle %s is %s; close or abort it before loading a scenario", c.ID, c.State)
	case !errors.Is(err, review.ErrCycleNotOpen):
		return nil, err
	}

	l := svc.Layout()
	roster, err := json.MarshalIndent(sc.roster, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := writeSample(l.Roster(), string(roster)+"\n"); err != nil {
		return nil, err
	}

	dir := filepath.Join(l.Root, SampleDir, sc.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	out := &LoadedScenarioDTO{ScenarioID: sc.ID, Roster: l.Roster()}
	for _, e := range sc.exports {
		path := filepath.Join(dir, e.name)
		if err := writeSample(path, e.csv); err != nil {
			return nil, err
		}
		out.Exports = append(out.Exports, path)
	}
	return out, nil
}

// ErrUnknownScenario is returned by LoadScenario for an id not in Scenarios.
var ErrUnknownScenario = errors.New("unknown scenario")

// Scenarios lists the sample scenarios LoadScenario can write.
func Scenarios() []ScenarioDTO {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, sc := range scenarios {
		dtos[i] = sc.ScenarioDTO
	}
	return dtos
}

func writeSample(path, content string) error {
	return layout.WriteFileAtomic(path, 0o644, func(w io.Writer) error {
		_, err := io.Copy(w, strings.NewReader(content))
		return err
	})
}

// =============================================================================
// SCENARIO HANDLERS
// =============================================================================

// ListScenarios returns the available sample scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Scenarios())
}

// LoadScenarioHandler seeds the root with a sample scenario.
func (h *Handler) LoadScenarioHandler(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := LoadScenario(r.Context(), h.Service, req.ScenarioID)
	if errors.Is(err, ErrUnknownScenario) {
		writeErrorResponse(w, http.StatusNotFound, ErrorResponse{Error: "unknown scenario: " + req.ScenarioID})
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}
