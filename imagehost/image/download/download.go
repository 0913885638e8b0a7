package download

import (
	"context"
	"net/url"

	"github.com/canonical/imagehost/shared/logger"
	"github.com/canonical/imagehost/shared/subprocess"
)

// Module fetches an image advertised under one of the URL schemes it was
// loaded for.
type Module interface {
	Download(ctx context.Context, u *url.URL, dstFile string, metadata map[string]string) error
}

// Option configures the loaded transfer modules.
type Option func(opts *options)

type options struct {
	sections []Section
	run      subprocess.RunFunc
	logger   logger.Logger
}

// WithSections sets the shared filesystem descriptions.
func WithSections(sections []Section) Option {
	return func(opts *options) {
		opts.sections = sections
	}
}

// WithRunner replaces subprocess.Run for the copy commands.
func WithRunner(run subprocess.RunFunc) Option {
	return func(opts *options) {
		opts.run = run
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(opts *options) {
		opts.logger = l
	}
}

type moduleLoader struct {
	name    string
	schemes []string
	load    func(opts *options) Module
}

var moduleLoaders = []moduleLoader{
	{name: fileModuleName, schemes: []string{"file", "filesystem"}, load: newFileTransfer},
}

// LoadTransferModules returns the transfer modules keyed by URL scheme.
func LoadTransferModules(opts ...Option) map[string]Module {
	return loadModules(moduleLoaders, opts...)
}

func loadModules(loaders []moduleLoader, opts ...Option) map[string]Module {
	o := &options{
		run:    subprocess.Run,
		logger: logger.Log,
	}

	for _, opt := range opts {
		opt(o)
	}

	modules := map[string]Module{}
	for _, loader := range loaders {
		module := loader.load(o)

		for _, scheme := range loader.schemes {
			_, ok := modules[scheme]
			if ok {
				o.logger.Error("Scheme is registered as a module twice, the later module is not being used", logger.Ctx{"scheme": scheme, "module": loader.name})
				continue
			}

			modules[scheme] = module
		}
	}

	return modules
}
