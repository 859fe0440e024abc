package targeting

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hanko-field/popups/internal/popup"
)

const sampleSite = `
welcome:
  enabled: true
  delaySeconds: 3
  dismissDays: 7
  contactKinds: [email]
  copy:
    ja:
      title: ようこそ
      body: 初回限定 **10%OFF**
    en:
      title: Welcome
exit:
  enabled: true
  dismissDays: 3
  delayAfterWelcomeSeconds: 30
  visibilityExit: true
custom:
  - id: seal-guide
    enabled: true
    triggerType: scroll
    scrollPercent: 40
    dismissDays: 14
    targeting:
      paths: ["/products/*"]
      priority: 2
    download:
      bucket: hf-downloads
      object: guides/seal.pdf
`

func TestLoadSiteConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "popups.yaml")
	if err := os.WriteFile(path, []byte(sampleSite), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	site, err := LoadSiteConfig(path)
	if err != nil {
		t.Fatalf("LoadSiteConfig: %v", err)
	}
	if !site.Welcome.Enabled || site.Welcome.DelaySeconds != 3 || site.Welcome.Copy["ja"].Title != "ようこそ" {
		t.Fatalf("unexpected welcome config %+v", site.Welcome)
	}
	if site.Exit.DelayAfterWelcomeSeconds != 30 || !site.Exit.VisibilityExit {
		t.Fatalf("unexpected exit config %+v", site.Exit)
	}
	if len(site.Custom) != 1 || !site.Custom[0].Download.Valid() {
		t.Fatalf("unexpected custom popups %+v", site.Custom)
	}

	catalog := NewCatalog(site, nil, NewLocalizer([]string{"ja", "en"}))
	page, err := catalog.Page(context.Background(), "/products/seal", "", "en")
	if err != nil {
		t.Fatalf("Page: %v", err)
	}
	if len(page.Popups) != 3 {
		t.Fatalf("expected welcome, exit and custom popups, got %+v", page.Popups)
	}
	if page.Popups[0].Copy == nil || page.Popups[0].Copy.Title != "Welcome" {
		t.Fatalf("expected english welcome copy, got %+v", page.Popups[0].Copy)
	}
	if page.Popups[1].Copy != nil {
		t.Fatalf("exit popup has no copy, got %+v", page.Popups[1].Copy)
	}
	if last := page.Popups[2]; last.Identity != "seal-guide" || !last.HasDownload || last.ScrollPercent != 40 {
		t.Fatalf("unexpected custom view %+v", last)
	}
}

func TestParseSiteConfigRejectsBadInput(t *testing.T) {
	if _, err := ParseSiteConfig([]byte("welcome:\n  delay: 3\n")); err == nil {
		t.Fatalf("expected unknown field error")
	}
	if _, err := ParseSiteConfig([]byte("exit:\n  dismissDays: -2\n")); !errors.Is(err, popup.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	site, err := ParseSiteConfig(nil)
	if err != nil || site.Welcome.Enabled || site.Exit.Enabled {
		t.Fatalf("expected empty config to disable everything, got %+v (%v)", site, err)
	}
	if _, err := LoadSiteConfig(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not exist error, got %v", err)
	}
}
