package classify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/metal0/mailpilot-sub003/pkg/types"
)

// Context carries the account policy and scan outcome the classifier
// may weigh when deciding on an action.
type Context struct {
	AccountName    string
	Folder         string
	AllowedFolders []string
	Infected       bool
	Virus          string
	ScanError      string
}

// Classifier resolves an action for a parsed email. Implementations
// wrap external reasoning services; prompt and model behavior live
// outside this daemon.
type Classifier interface {
	Classify(ctx context.Context, email *types.ParsedEmail, policy Context) (*types.Action, error)
}

// Factory builds a classifier bound to a specific model.
type Factory func(model string) (Classifier, error)

var (
	registryMu sync.Mutex
	registry   = make(map[string]Factory)
)

// Register makes a provider available under the given name. Providers
// register themselves at init time.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(name)] = factory
}

// Resolve builds a classifier for the named provider and model. An
// unknown provider is a configuration error the caller treats as fatal
// at startup.
func Resolve(provider, model string) (Classifier, error) {
	if provider == "" {
		return nil, fmt.Errorf("no classification provider configured")
	}

	registryMu.Lock()
	factory, ok := registry[strings.ToLower(provider)]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown classification provider %q (available: %s)", provider, strings.Join(Providers(), ", "))
	}
	return factory(model)
}

// Providers lists the registered provider names.
func Providers() []string {
	registryMu.Lock()
	defer registryMu.Unlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
