// Package apps holds the catalog of MCP-enabled applications users can
// connect through Pipedream.
package apps

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

//go:embed app_info.json
var defaultCatalog []byte

// App describes a connectable application.
type App struct {
	Name        string   `json:"name"`
	Slug        string   `json:"app_slug"`
	Description string   `json:"description,omitempty"`
	LogoURL     string   `json:"logo_url,omitempty"`
	Categories  []string `json:"app_category,omitempty"`
}

// Category returns the app's primary category.
func (a App) Category() string {
	if len(a.Categories) == 0 {
		return "Other"
	}
	return a.Categories[0]
}

// Catalog is an immutable set of connectable apps, indexed by slug.
type Catalog struct {
	apps   []App
	bySlug map[string]App
}

// Load reads a catalog from a JSON file. An empty path loads the embedded
// default catalog.
func Load(path string) (*Catalog, error) {
	data := defaultCatalog
	if path != "" {
		var err error
		// #nosec G304 -- path is from config, controlled by the operator
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading app catalog: %w", err)
		}
	}

	var apps []App
	if err := json.Unmarshal(data, &apps); err != nil {
		return nil, fmt.Errorf("parsing app catalog: %w", err)
	}

	c := &Catalog{
		apps:   apps,
		bySlug: make(map[string]App, len(apps)),
	}
	for i := range c.apps {
		if c.apps[i].Slug == "" {
			c.apps[i].Slug = Slugify(c.apps[i].Name)
		}
		c.bySlug[c.apps[i].Slug] = c.apps[i]
	}
	return c, nil
}

// All returns every app in catalog order.
func (c *Catalog) All() []App {
	out := make([]App, len(c.apps))
	copy(out, c.apps)
	return out
}

// Lookup returns the app with the given slug.
func (c *Catalog) Lookup(slug string) (App, bool) {
	a, ok := c.bySlug[slug]
	return a, ok
}

// Has reports whether the slug names a supported app.
func (c *Catalog) Has(slug string) bool {
	_, ok := c.bySlug[slug]
	return ok
}

// Len returns the number of apps.
func (c *Catalog) Len() int {
	return len(c.apps)
}

// Slugify converts a display name to its URL-safe slug: lowercase, spaces to
// underscores, dots removed.
func Slugify(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, ".", "")
	return s
}
