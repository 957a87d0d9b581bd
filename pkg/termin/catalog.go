package termin

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
)

// LocationGroup is one office in the catalog. Some offices span several
// upstream location ids.
type LocationGroup struct {
	DepartmentName *string `json:"departmentName"`
	ShortName      string  `json:"shortName"`
	LocationIDs    []int   `json:"locationIds"`
}

// AppointmentType is a static catalog entry describing what to ask upstream for.
type AppointmentType struct {
	Name       string          `json:"name"`
	ConcernIDs []int           `json:"concernIds"`
	Locations  []LocationGroup `json:"locations"`
	ID         int             `json:"id"`
}

// LocationName returns the office name serving locationID, or "" when unknown.
func (t AppointmentType) LocationName(locationID int) string {
	for _, g := range t.Locations {
		if slices.Contains(g.LocationIDs, locationID) {
			return g.ShortName
		}
	}
	return ""
}

// Catalog is the immutable set of appointment types known to the service.
type Catalog struct {
	byID  map[int]AppointmentType
	types []AppointmentType
}

// NewCatalog builds a catalog, rejecting duplicate or non-positive ids.
func NewCatalog(types []AppointmentType) (*Catalog, error) {
	c := &Catalog{byID: make(map[int]AppointmentType, len(types))}
	for _, t := range types {
		if t.ID <= 0 {
			return nil, fmt.Errorf("appointment type %q: id must be positive", t.Name)
		}
		if _, dup := c.byID[t.ID]; dup {
			return nil, fmt.Errorf("appointment type %d: duplicate id", t.ID)
		}
		if len(t.ConcernIDs) == 0 {
			return nil, fmt.Errorf("appointment type %d: no concern ids", t.ID)
		}
		c.byID[t.ID] = t
		c.types = append(c.types, t)
	}
	return c, nil
}

// LoadCatalog reads a JSON array of appointment types.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var types []AppointmentType
	if err := json.NewDecoder(r).Decode(&types); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if len(types) == 0 {
		return nil, errors.New("catalog is empty")
	}
	return NewCatalog(types)
}

// Lookup returns the type with the given id.
func (c *Catalog) Lookup(id int) (AppointmentType, bool) {
	t, ok := c.byID[id]
	return t, ok
}

// Types returns all types in catalog order.
func (c *Catalog) Types() []AppointmentType {
	return slices.Clone(c.types)
}

func department(name string) *string {
	return &name
}

// DefaultCatalog returns the built-in Nürnberg catalog.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog([]AppointmentType{
		{
			ID:         1,
			Name:       "Wohnung anmelden oder ummelden",
			ConcernIDs: []int{187},
			Locations: []LocationGroup{
				{ShortName: "Bürgeramt Mitte", LocationIDs: []int{4}},
				{ShortName: "Bürgeramt Eberhardshof", LocationIDs: []int{116}},
				{ShortName: "Bürgeramt Frankenstraße", LocationIDs: []int{64}},
				{
					ShortName:      "Bürgeramt Nord",
					DepartmentName: department("Einwohnermelde- und Passangelegenheiten, Führerscheine, Beglaubigungen"),
					LocationIDs:    []int{34},
				},
				{ShortName: "Bürgeramt Ost", LocationIDs: []int{24}},
				{ShortName: "Bürgeramt Süd", LocationIDs: []int{14}},
				{ShortName: "Bürgerdienste in den Sparkassen", LocationIDs: []int{38, 37, 28, 39}},
			},
		},
	})
	if err != nil {
		panic(err)
	}
	return c
}
