package match

import (
	"reflect"
	"strings"
	"testing"

	"github.com/hazyhaar/domsteer/container"
	"github.com/hazyhaar/domsteer/snapshot"
)

const feedPage = `<!DOCTYPE html>
<html>
<head><title>feed</title></head>
<body>
  <nav class="bar">Home</nav>
  <main id="app">
    <ul class="feed" role="feed">
      <li class="post"><span class="author">ana</span><button class="like" aria-label="Like">Like</button></li>
      <li class="post"><span class="author">bob</span><button class="like" aria-label="Like">Like</button></li>
      <li class="post"><span class="author">cyd</span><button class="like" aria-label="Like">Like</button></li>
      <li class="post ghost" style="display:none"><span class="author">eve</span></li>
    </ul>
    <div class="composer" role="textbox">write...</div>
  </main>
</body>
</html>`

func feedDefs() *container.Definition {
	return &container.Definition{
		Name: "page", Selector: "body", Kind: container.KindSingle,
		Children: []*container.Definition{
			{
				Name: "feed_list", Selector: "ul.feed", Kind: container.KindSingle,
				Children: []*container.Definition{
					{
						Name: "feed_post", Selector: "li.post", Kind: container.KindCollection,
						Children: []*container.Definition{
							{Name: "like_button", Selector: "button[aria-label=Like]", Kind: container.KindSingle},
						},
					},
				},
			},
			{Name: "composer", Selector: "div.composer", Kind: container.KindSingle},
		},
	}
}

func feedSnapshot(t *testing.T, limits snapshot.Limits) *snapshot.Snapshot {
	t.Helper()
	s, err := snapshot.FromHTML(strings.NewReader(feedPage), limits)
	if err != nil {
		t.Fatalf("FromHTML: %v", err)
	}
	return s
}

func TestMatchFeedScenario(t *testing.T) {
	s := feedSnapshot(t, snapshot.Limits{})
	tree, err := Match(feedDefs(), s)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}

	if !tree.Matched() || len(tree.Refs) != 1 {
		t.Fatalf("page refs = %v", tree.Refs)
	}

	feedList := tree.Find("feed_list")
	if feedList == nil || len(feedList.Refs) != 1 {
		t.Fatalf("feed_list refs = %+v", feedList)
	}

	posts := tree.Find("feed_list", "feed_post")
	if posts == nil || len(posts.Refs) != 3 {
		t.Fatalf("feed_post refs = %+v", posts)
	}
	seen := make(map[string]bool)
	for _, ref := range posts.Refs {
		if seen[ref.Path] {
			t.Errorf("duplicate post path %s", ref.Path)
		}
		seen[ref.Path] = true
		if !snapshot.IsAncestorPath(feedList.Refs[0].Path, ref.Path) {
			t.Errorf("post %s outside feed_list scope %s", ref.Path, feedList.Refs[0].Path)
		}
	}

	likes := tree.Find("feed_list", "feed_post", "like_button")
	if likes == nil || len(likes.Refs) != 3 {
		t.Fatalf("like_button refs = %+v", likes)
	}

	if composer := tree.Find("composer"); composer == nil || len(composer.Refs) != 1 {
		t.Fatalf("composer = %+v", composer)
	}
}

func TestMatchEligibility(t *testing.T) {
	s := feedSnapshot(t, snapshot.Limits{})
	def := &container.Definition{Name: "posts", Selector: "li", Kind: container.KindCollection}
	tree, err := Match(def, s)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	// the display:none ghost post is not eligible
	if len(tree.Refs) != 3 {
		t.Errorf("li refs = %d, want 3 visible", len(tree.Refs))
	}
}

func TestMatchSingleTakesFirst(t *testing.T) {
	s := feedSnapshot(t, snapshot.Limits{})
	def := &container.Definition{Name: "first_post", Selector: "li.post", Kind: container.KindSingle}
	tree, err := Match(def, s)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(tree.Refs) != 1 {
		t.Fatalf("refs = %v", tree.Refs)
	}
	// first post in document order is ana's
	node := s.NodeAt(tree.Refs[0].Path)
	if node == nil || len(node.Children) == 0 || node.Children[0].Text != "ana" {
		t.Errorf("single bound to %s, want the first post", tree.Refs[0].Path)
	}
}

func TestMatchEmptyIsSoft(t *testing.T) {
	s := feedSnapshot(t, snapshot.Limits{})
	def := &container.Definition{
		Name: "page", Selector: "body", Kind: container.KindSingle,
		Children: []*container.Definition{
			{
				Name: "sidebar", Selector: "aside.sidebar", Kind: container.KindSingle,
				Children: []*container.Definition{
					{Name: "widget", Selector: "div.widget", Kind: container.KindCollection},
				},
			},
		},
	}
	tree, err := Match(def, s)
	if err != nil {
		t.Fatalf("empty match must not error: %v", err)
	}
	sidebar := tree.Find("sidebar")
	if sidebar == nil || sidebar.Matched() {
		t.Fatalf("sidebar = %+v, want present and unmatched", sidebar)
	}
	// children mirror the hierarchy but are never evaluated
	widget := tree.Find("sidebar", "widget")
	if widget == nil || widget.Matched() || len(widget.Pending) != 0 {
		t.Fatalf("widget = %+v", widget)
	}
}

func TestMatchDeterminism(t *testing.T) {
	s := feedSnapshot(t, snapshot.Limits{})
	a, err := Match(feedDefs(), s)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Match(feedDefs(), s)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Error("repeated Match over an unchanged snapshot must be identical")
	}
}

func TestSelectorForms(t *testing.T) {
	s := feedSnapshot(t, snapshot.Limits{})
	tests := []struct {
		sel  string
		want int
	}{
		{"#app", 1},
		{"main#app", 1},
		{"ul.feed li.post", 3},
		{"[role=feed]", 1},
		{"[role]", 2},
		{"button[aria-label=Like]", 3},
		{"li.post.ghost", 0},
		{"nav, div.composer", 2},
		{"span.author", 3},
		{"*", 14},
	}
	for _, tt := range tests {
		def := &container.Definition{Name: "probe", Selector: tt.sel, Kind: container.KindCollection}
		tree, err := Match(def, s)
		if err != nil {
			t.Errorf("Match(%q): %v", tt.sel, err)
			continue
		}
		if len(tree.Refs) != tt.want {
			t.Errorf("Match(%q) = %d refs, want %d", tt.sel, len(tree.Refs), tt.want)
		}
	}
}

func TestSelectorParseErrors(t *testing.T) {
	for _, sel := range []string{"", "   ", "li[", "li[]", "li[=x]", "li.", "#", "li, "} {
		if err := CheckSelector(sel); err == nil {
			t.Errorf("CheckSelector(%q) accepted garbage", sel)
		}
	}
	for _, sel := range []string{"li", ".a.b", "#x", "a[href]", `input[type="text"]`, "ul li, ol li"} {
		if err := CheckSelector(sel); err != nil {
			t.Errorf("CheckSelector(%q): %v", sel, err)
		}
	}
}

func TestScoreTracksSpecificity(t *testing.T) {
	s := feedSnapshot(t, snapshot.Limits{})
	byID, err := Match(&container.Definition{Name: "a", Selector: "#app", Kind: container.KindSingle}, s)
	if err != nil {
		t.Fatal(err)
	}
	byTag, err := Match(&container.Definition{Name: "b", Selector: "main", Kind: container.KindSingle}, s)
	if err != nil {
		t.Fatal(err)
	}
	if byID.Refs[0].Score <= byTag.Refs[0].Score {
		t.Errorf("id score %v should beat tag score %v", byID.Refs[0].Score, byTag.Refs[0].Score)
	}
}
