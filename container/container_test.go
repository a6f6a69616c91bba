package container

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

const feedCatalog = `
defaults:
  kind: single
  capabilities: [harvest]

containers:
  - name: page
    selector: body
    capabilities: [navigate, harvest]
    children:
      - name: feed_list
        selector: ul.feed
        children:
          - name: feed_post
            selector: li.post
            kind: collection
            capabilities: [click, comment, like, harvest]
            children:
              - name: like_button
                selector: button[aria-label=Like]
                capabilities: [click]
      - name: composer
        selector: "#composer"
        capabilities: [input, click]
`

func loadCatalog(t *testing.T) *Catalog {
	t.Helper()
	c := NewCatalog()
	if err := c.LoadReader(strings.NewReader(feedCatalog)); err != nil {
		t.Fatalf("LoadReader: %v", err)
	}
	return c
}

func TestCatalogLoad(t *testing.T) {
	c := loadCatalog(t)

	page, ok := c.Get("page")
	if !ok {
		t.Fatal("page not registered")
	}
	if page.Kind != KindSingle {
		t.Errorf("page kind = %q", page.Kind)
	}
	if !reflect.DeepEqual(page.Capabilities, []string{"navigate", "harvest"}) {
		t.Errorf("explicit capabilities overridden: %v", page.Capabilities)
	}

	feedList := page.Child("feed_list")
	if feedList == nil {
		t.Fatal("feed_list missing")
	}
	if feedList.Kind != KindSingle {
		t.Errorf("defaulted kind = %q, want single", feedList.Kind)
	}
	if !reflect.DeepEqual(feedList.Capabilities, []string{"harvest"}) {
		t.Errorf("defaulted capabilities = %v", feedList.Capabilities)
	}

	post := feedList.Child("feed_post")
	if post == nil || post.Kind != KindCollection {
		t.Fatalf("feed_post = %+v, want collection", post)
	}
	if !post.HasCapability("like") || post.HasCapability("input") {
		t.Errorf("feed_post capabilities = %v", post.Capabilities)
	}

	if got := page.Descend("feed_list", "feed_post", "like_button"); got == nil || got.Selector != "button[aria-label=Like]" {
		t.Errorf("Descend like_button = %+v", got)
	}
	if page.Descend("feed_list", "nope") != nil {
		t.Error("Descend must return nil for unknown names")
	}

	if def, ok := c.Lookup("page", "feed_list", "feed_post"); !ok || def.Name != "feed_post" {
		t.Errorf("Lookup = %+v, %v", def, ok)
	}
	if _, ok := c.Lookup("missing"); ok {
		t.Error("Lookup of unknown root must fail")
	}
}

func TestCatalogRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			"empty selector",
			"containers:\n  - name: page\n    kind: single\n",
			"empty selector",
		},
		{
			"bad kind",
			"containers:\n  - name: page\n    selector: body\n    kind: plural\n",
			"not single or collection",
		},
		{
			"bad name",
			"containers:\n  - name: \"feed list\"\n    selector: body\n    kind: single\n",
			"identifier",
		},
		{
			"duplicate children",
			`containers:
  - name: page
    selector: body
    kind: single
    children:
      - {name: a, selector: div, kind: single}
      - {name: a, selector: span, kind: single}
`,
			"duplicate child",
		},
		{
			"no containers",
			"defaults:\n  kind: single\n",
			"no containers",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCatalog()
			err := c.LoadReader(strings.NewReader(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestCatalogDuplicateRoot(t *testing.T) {
	c := loadCatalog(t)
	err := c.Register(&Definition{Name: "page", Selector: "body", Kind: KindSingle})
	if err == nil || !strings.Contains(err.Error(), "already registered") {
		t.Errorf("duplicate register: %v", err)
	}
}

func TestLoadDirAndReload(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("10-feed.yaml", feedCatalog)
	write("20-login.yml", `
containers:
  - name: login_page
    selector: body
    kind: single
    capabilities: [navigate]
    children:
      - name: username
        selector: input[name=username]
        kind: single
        capabilities: [input]
`)
	write("ignore.txt", "not yaml")

	c := NewCatalog()
	if err := c.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if got := c.Names(); !reflect.DeepEqual(got, []string{"login_page", "page"}) {
		t.Errorf("Names = %v", got)
	}

	// a broken reload must not disturb the running catalog
	write("30-broken.yaml", "containers:\n  - name: broken\n")
	if err := c.Reload(dir); err == nil {
		t.Fatal("Reload with a broken file must fail")
	}
	if c.Len() != 2 {
		t.Errorf("catalog changed after failed reload: %d roots", c.Len())
	}

	if err := os.Remove(filepath.Join(dir, "30-broken.yaml")); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(dir, "20-login.yml")); err != nil {
		t.Fatal(err)
	}
	if err := c.Reload(dir); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := c.Names(); !reflect.DeepEqual(got, []string{"page"}) {
		t.Errorf("Names after reload = %v", got)
	}
}
