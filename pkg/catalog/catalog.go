package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"pigo/pkg/models"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var builtin []byte

var (
	// ErrInvalidEntry is returned when a catalogue entry misses a required field.
	ErrInvalidEntry = errors.New("invalid catalog entry")

	// ErrDuplicateEntry is returned when two entries share an ID.
	ErrDuplicateEntry = errors.New("duplicate catalog entry")
)

// Entry is one well-known server application as written in the catalogue file.
type Entry struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Category    string `yaml:"category"`
	Path        string `yaml:"path"`
	Port        int    `yaml:"port"`
	Secure      bool   `yaml:"secure"`
	Repository  string `yaml:"repository"`
	Description string `yaml:"description"`
}

// Service converts the entry into a service template with unknown reachability.
func (e Entry) Service() models.Service {
	return models.Service{
		ID:          e.ID,
		Name:        e.Name,
		Path:        e.Path,
		Port:        e.Port,
		Secure:      e.Secure,
		Category:    e.Category,
		Description: e.Description,
		Repository:  e.Repository,
	}
}

type file struct {
	Servers []Entry `yaml:"servers"`
}

// Catalog is an immutable, ordered list of service templates.
type Catalog struct {
	entries []Entry
	byID    map[string]int
}

var loadDefault = sync.OnceValues(func() (*Catalog, error) {
	return Load(bytes.NewReader(builtin))
})

// Default returns the built-in catalogue.
func Default() (*Catalog, error) {
	return loadDefault()
}

// Load parses a catalogue document. Every invalid entry is reported.
func Load(r io.Reader) (*Catalog, error) {
	var doc file
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}

	c := &Catalog{byID: make(map[string]int, len(doc.Servers))}
	var errs error
	for i, entry := range doc.Servers {
		if err := validate(entry); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		if _, ok := c.byID[entry.ID]; ok {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s", ErrDuplicateEntry, entry.ID))
			continue
		}
		c.byID[entry.ID] = len(c.entries)
		c.entries = append(c.entries, entry)
	}
	if errs != nil {
		return nil, errs
	}
	return c, nil
}

func validate(e Entry) error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidEntry)
	case e.Name == "":
		return fmt.Errorf("%w: %s: missing name", ErrInvalidEntry, e.ID)
	case e.Port < 1 || e.Port > 65535:
		return fmt.Errorf("%w: %s: port %d out of range", ErrInvalidEntry, e.ID, e.Port)
	}
	return nil
}

// Find returns the service template with the given ID.
func (c *Catalog) Find(id string) (models.Service, bool) {
	i, ok := c.byID[id]
	if !ok {
		return models.Service{}, false
	}
	return c.entries[i].Service(), true
}

// All returns every template in catalogue order.
func (c *Catalog) All() []models.Service {
	out := make([]models.Service, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.Service())
	}
	return out
}

// Categories returns the distinct categories, sorted.
func (c *Catalog) Categories() []string {
	var out []string
	for _, e := range c.entries {
		if e.Category != "" && !slices.Contains(out, e.Category) {
			out = append(out, e.Category)
		}
	}
	slices.Sort(out)
	return out
}

// Len returns the number of entries.
func (c *Catalog) Len() int {
	return len(c.entries)
}
