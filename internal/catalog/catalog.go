// Package catalog is the read-only list of garments a session may select.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Charancs/v-try-on-FP2/internal/relayerr"
)

// Garment is one catalog entry. IDs are dense, 0..N-1, in list order.
type Garment struct {
	ID    int    `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Asset string `json:"image" yaml:"image"`
	Model string `json:"model,omitempty" yaml:"model,omitempty"`
}

// Catalog is immutable once built and safe for concurrent reads.
type Catalog struct {
	garments  []Garment
	defaultID int
}

const modelSuffix = "_vmsdp2ta"

var defaultGarments = []Garment{
	{Name: "Jacket 17", Asset: "jin_17_white_bg.jpg"},
	{Name: "Jacket 18", Asset: "jin_18_white_bg.jpg"},
	{Name: "Jacket 22", Asset: "jin_22_white_bg.jpg"},
	{Name: "Lab Coat 03", Asset: "lab_03_white_bg.jpg"},
	{Name: "Lab Coat 04", Asset: "lab_04_white_bg.jpg"},
	{Name: "Lab Coat 07", Asset: "lab_07_white_bg.jpg"},
}

// Default returns the six garments the stock backend has models for.
func Default() *Catalog {
	c, err := New(defaultGarments, 0)
	if err != nil {
		panic(err)
	}
	return c
}

// New validates garments and assigns ids by position. An entry that
// carries an explicit id must match its position.
func New(garments []Garment, defaultID int) (*Catalog, error) {
	if len(garments) == 0 {
		return nil, errors.New("catalog: no garments")
	}
	out := make([]Garment, len(garments))
	for i, g := range garments {
		if g.ID != 0 && g.ID != i {
			return nil, fmt.Errorf("catalog: entry %d has id %d; ids must be dense and ordered", i, g.ID)
		}
		g.ID = i
		g.Name = strings.TrimSpace(g.Name)
		if g.Name == "" {
			return nil, fmt.Errorf("catalog: entry %d has no name", i)
		}
		if g.Model == "" {
			g.Model = modelName(g.Asset)
		}
		out[i] = g
	}
	if defaultID < 0 || defaultID >= len(out) {
		return nil, fmt.Errorf("catalog: default id %d out of range", defaultID)
	}
	return &Catalog{garments: out, defaultID: defaultID}, nil
}

type file struct {
	Default  int       `yaml:"default"`
	Garments []Garment `yaml:"garments"`
}

// Load reads a YAML catalog:
//
//	default: 0
//	garments:
//	  - name: Jacket 17
//	    image: jin_17_white_bg.jpg
func Load(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f file
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return New(f.Garments, f.Default)
}

// LoadOrDefault loads path, or returns the built-in catalog when path is
// empty.
func LoadOrDefault(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

func (c *Catalog) Len() int       { return len(c.garments) }
func (c *Catalog) DefaultID() int { return c.defaultID }

func (c *Catalog) Valid(id int) bool { return id >= 0 && id < len(c.garments) }

// Check returns an InvalidGarmentError for ids outside the catalog.
func (c *Catalog) Check(id int) error {
	if !c.Valid(id) {
		return &relayerr.InvalidGarmentError{ID: id, Count: len(c.garments)}
	}
	return nil
}

func (c *Catalog) Get(id int) (Garment, bool) {
	if !c.Valid(id) {
		return Garment{}, false
	}
	return c.garments[id], true
}

// Name returns the display name, or "garment <id>" for unknown ids.
func (c *Catalog) Name(id int) string {
	if g, ok := c.Get(id); ok {
		return g.Name
	}
	return fmt.Sprintf("garment %d", id)
}

// Entries returns a copy of the ordered list.
func (c *Catalog) Entries() []Garment {
	return append([]Garment(nil), c.garments...)
}

func modelName(asset string) string {
	base := strings.TrimSuffix(asset, ".jpg")
	base = strings.TrimSuffix(base, ".png")
	base = strings.TrimSuffix(base, "_white_bg")
	if base == "" {
		return ""
	}
	return base + modelSuffix
}
