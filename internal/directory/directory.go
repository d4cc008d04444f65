// Package directory holds the read-only maintenance staff roster and the
// property to location mapping used for dispatch.
package directory

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/staydesk/backend/internal/models"
)

type Directory struct {
	staff     []models.MaintenanceStaff
	locations map[string]string
}

type file struct {
	Staff      []models.MaintenanceStaff `yaml:"staff"`
	Properties map[string]string         `yaml:"properties"`
}

func New(staff []models.MaintenanceStaff, locations map[string]string) *Directory {
	d := &Directory{
		staff:     make([]models.MaintenanceStaff, 0, len(staff)),
		locations: map[string]string{},
	}
	for _, s := range staff {
		d.staff = append(d.staff, normalizeStaff(s))
	}
	for property, location := range locations {
		d.locations[strings.TrimSpace(property)] = strings.TrimSpace(location)
	}
	return d
}

// Load reads a YAML roster. An empty path yields the default roster.
func Load(path string) (*Directory, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read staff file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Directory, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse staff file: %w", err)
	}
	seen := map[string]struct{}{}
	for _, s := range f.Staff {
		if strings.TrimSpace(s.ID) == "" || strings.TrimSpace(s.Name) == "" {
			return nil, fmt.Errorf("staff id/name required")
		}
		if _, ok := seen[s.ID]; ok {
			return nil, fmt.Errorf("duplicate staff id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return New(f.Staff, f.Properties), nil
}

// Default is the roster the dashboard shipped with.
func Default() *Directory {
	return New([]models.MaintenanceStaff{
		{ID: "maint_staff_1", Name: "John Piper", Specializations: []string{"leak", "plumbing", "sink", "faucet", "toilet", "drip", "water"}, Location: "Downtown"},
		{ID: "maint_staff_4", Name: "Walter Pipes", Specializations: []string{"leak", "plumbing", "sink", "faucet", "toilet", "drip", "water"}, Location: "Downtown"},
		{ID: "maint_staff_2", Name: "Eleanor Spark", Specializations: []string{"electric", "outlet", "light", "power", "wifi", "internet", "password"}, Location: "Uptown"},
		{ID: "maint_staff_3", Name: "Bob Builder", Specializations: []string{"general", "broken", "fix", "repair", "door", "window"}, Location: models.AnyLocation},
	}, map[string]string{
		"The Cozy Cottage": "Downtown",
		"Lakeside Cabin":   "Lakeside",
		"The Penthouse":    "Uptown",
	})
}

// Staff returns the roster in its configured order. Callers must not mutate it.
func (d *Directory) Staff() []models.MaintenanceStaff {
	return d.staff
}

// LocationOf returns "" for properties without a known location.
func (d *Directory) LocationOf(property string) string {
	return d.locations[strings.TrimSpace(property)]
}

func (d *Directory) Generalist() (models.MaintenanceStaff, bool) {
	for _, s := range d.staff {
		for _, spec := range s.Specializations {
			if spec == models.GeneralSpecialization {
				return s, true
			}
		}
	}
	return models.MaintenanceStaff{}, false
}

func (d *Directory) Find(id string) (models.MaintenanceStaff, bool) {
	for _, s := range d.staff {
		if s.ID == id {
			return s, true
		}
	}
	return models.MaintenanceStaff{}, false
}

func normalizeStaff(s models.MaintenanceStaff) models.MaintenanceStaff {
	specs := make([]string, 0, len(s.Specializations))
	for _, spec := range s.Specializations {
		spec = strings.ToLower(strings.TrimSpace(spec))
		if spec != "" {
			specs = append(specs, spec)
		}
	}
	s.ID = strings.TrimSpace(s.ID)
	s.Name = strings.TrimSpace(s.Name)
	s.Specializations = specs
	s.Location = strings.TrimSpace(s.Location)
	if s.Location == "" {
		s.Location = models.AnyLocation
	}
	return s
}
