package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Scenario is a sequence of sync steps with expectations.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Tables maps table names to primary key columns for views and
	// replication.
	Tables map[string]string `yaml:"tables"`

	// Server holds server.Config overrides.
	Server yaml.Node `yaml:"server,omitempty"`

	Clients []ClientSpec `yaml:"clients"`
	Steps   []Step       `yaml:"steps"`
}

// ClientSpec declares one client. Store defaults to the client id.
type ClientSpec struct {
	ID    string `yaml:"id"`
	Group string `yaml:"group"`
	Store string `yaml:"store,omitempty"`
}

// Step holds exactly one action.
type Step struct {
	Mutate  *MutateStep `yaml:"mutate,omitempty"`
	Push    *PushStep   `yaml:"push,omitempty"`
	Pull    *ClientStep `yaml:"pull,omitempty"`
	Ingest  *IngestStep `yaml:"ingest,omitempty"`
	Restart *ClientStep `yaml:"restart,omitempty"`
	Expect  *Expect     `yaml:"expect,omitempty"`
}

// MutateStep runs a mutator on a client.
type MutateStep struct {
	Client string         `yaml:"client"`
	Name   string         `yaml:"name"`
	Args   map[string]any `yaml:"args"`
	// ExpectError marks a mutation the mutator refuses up front.
	ExpectError bool `yaml:"expect_error,omitempty"`
}

// PushStep pushes a client group's pending mutations. A positive Limit
// caps how many reach the server.
type PushStep struct {
	Client string `yaml:"client"`
	Limit  int    `yaml:"limit,omitempty"`
}

// ClientStep names the client a step acts on.
type ClientStep struct {
	Client string `yaml:"client"`
}

// IngestStep is a replication batch.
type IngestStep struct {
	Version int64        `yaml:"version"`
	Changes []ChangeSpec `yaml:"changes"`
}

// ChangeSpec is one replicated row change; op is add or remove.
type ChangeSpec struct {
	Table string         `yaml:"table"`
	Op    string         `yaml:"op"`
	Row   map[string]any `yaml:"row"`
}

// Expect checks the state of a client, or of the server when Client is
// empty. Unset fields are not checked.
type Expect struct {
	Client string `yaml:"client,omitempty"`
	// Group selects the client group whose acknowledged ids a server
	// expectation checks.
	Group string `yaml:"group,omitempty"`

	// Rows is the complete expected data, keyed by row key.
	Rows map[string]any `yaml:"rows,omitempty"`

	// Pending lists the client's unacknowledged mutation ids.
	Pending *[]uint64 `yaml:"pending,omitempty"`

	Cookie *string `yaml:"cookie,omitempty"`

	// LastMutationIDs are the acknowledged ids per client of the group.
	LastMutationIDs map[string]uint64 `yaml:"lmids,omitempty"`

	// Receipts maps the client's mutation ids to pending, acked or
	// rejected.
	Receipts map[uint64]string `yaml:"receipts,omitempty"`
}

// Receipt outcomes used in expectations.
const (
	OutcomePending  = "pending"
	OutcomeAcked    = "acked"
	OutcomeRejected = "rejected"
)

// LoadScenario reads a scenario file. Unknown fields are errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario %q: %w", s.Name, err)
	}
	return &s, nil
}

// LoadScenarios reads every *.yaml file in dir, sorted by name.
func LoadScenarios(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	var out []*Scenario
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}
	if len(s.Steps) == 0 {
		return errors.New("steps list is required and must be non-empty")
	}

	groups := make(map[string]string)
	for i, c := range s.Clients {
		if c.ID == "" || c.Group == "" {
			return fmt.Errorf("clients[%d]: id and group are required", i)
		}
		if _, dup := groups[c.ID]; dup {
			return fmt.Errorf("clients[%d]: duplicate id %q", i, c.ID)
		}
		groups[c.ID] = c.Group
	}
	storeGroup := make(map[string]string)
	for _, c := range s.Clients {
		store := c.StoreName()
		if g, ok := storeGroup[store]; ok && g != c.Group {
			return fmt.Errorf("store %q is shared by groups %q and %q", store, g, c.Group)
		}
		storeGroup[store] = c.Group
	}

	known := func(id string) error {
		if _, ok := groups[id]; !ok {
			return fmt.Errorf("unknown client %q", id)
		}
		return nil
	}
	for i, st := range s.Steps {
		n := 0
		var err error
		if st.Mutate != nil {
			n++
			if st.Mutate.Name == "" {
				err = errors.New("mutate: name is required")
			} else {
				err = known(st.Mutate.Client)
			}
		}
		if st.Push != nil {
			n++
			err = errors.Join(err, known(st.Push.Client))
		}
		if st.Pull != nil {
			n++
			err = errors.Join(err, known(st.Pull.Client))
		}
		if st.Restart != nil {
			n++
			err = errors.Join(err, known(st.Restart.Client))
		}
		if st.Ingest != nil {
			n++
			for _, ch := range st.Ingest.Changes {
				if ch.Op != "add" && ch.Op != "remove" {
					err = errors.Join(err, fmt.Errorf("ingest: unknown op %q", ch.Op))
				}
			}
		}
		if st.Expect != nil {
			n++
			if st.Expect.Client != "" {
				err = errors.Join(err, known(st.Expect.Client))
			} else if st.Expect.LastMutationIDs != nil && st.Expect.Group == "" {
				err = errors.Join(err, errors.New("expect: server lmids need a group"))
			}
			for id, o := range st.Expect.Receipts {
				if o != OutcomePending && o != OutcomeAcked && o != OutcomeRejected {
					err = errors.Join(err, fmt.Errorf("expect: receipt %d: unknown outcome %q", id, o))
				}
			}
		}
		if n != 1 {
			return fmt.Errorf("steps[%d]: want exactly one action, got %d", i, n)
		}
		if err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	return nil
}

// StoreName returns the store the client opens.
func (c ClientSpec) StoreName() string {
	if c.Store != "" {
		return c.Store
	}
	return c.ID
}
