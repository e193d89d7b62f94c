package di

import (
	"context"
	"net/http"

	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/mail-triage/internal/api"
	"github.com/mikey/mail-triage/internal/classifier"
	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/drafts"
	"github.com/mikey/mail-triage/internal/factory"
	"github.com/mikey/mail-triage/internal/logging"
	"github.com/mikey/mail-triage/internal/mailbox"
	"github.com/mikey/mail-triage/internal/outbound"
	"github.com/mikey/mail-triage/internal/ports"
	"github.com/mikey/mail-triage/internal/preferences"
	"github.com/mikey/mail-triage/internal/rules"
	"github.com/mikey/mail-triage/internal/triage"
	"github.com/mikey/mail-triage/internal/utils"
)

// BuildContainer creates and configures a dependency injection container for
// the triage server. An empty configFile uses the default search paths.
func BuildContainer(configFile string) (*dig.Container, error) {
	container := dig.New()

	// Register configuration
	if err := container.Provide(func() (*config.Config, error) {
		return config.New(configFile)
	}); err != nil {
		return nil, err
	}

	// Register logger
	if err := container.Provide(logging.InitLogger); err != nil {
		return nil, err
	}

	if err := container.Provide(utils.NewTextProcessor); err != nil {
		return nil, err
	}

	// Register factories
	for _, constructor := range []interface{}{
		factory.NewLLMFactory,
		factory.NewCacheFactory,
		factory.NewStoreFactory,
		factory.NewSourceFactory,
	} {
		if err := container.Provide(constructor); err != nil {
			return nil, err
		}
	}

	// Register LLM client, nil when no provider is configured
	if err := container.Provide(func(f *factory.LLMFactory) (core.LLMClient, error) {
		return f.CreateLLMClient(context.Background())
	}); err != nil {
		return nil, err
	}

	// Register classification cache
	if err := container.Provide(func(f *factory.CacheFactory) (core.ClassificationCache, error) {
		return f.CreateCache()
	}); err != nil {
		return nil, err
	}

	// Register state store
	if err := container.Provide(func(f *factory.StoreFactory) (core.Store, error) {
		return f.CreateStore(context.Background())
	}); err != nil {
		return nil, err
	}

	if err := provideTriage(container); err != nil {
		return nil, err
	}

	// Register REST boundary
	if err := container.Provide(func(cfg *config.Config, service *triage.Service, logger *zap.Logger) http.Handler {
		return api.NewRouter(service, cfg.GetServer().CORSOrigins, logger.Named("api"))
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(cfg *config.Config, handler http.Handler, logger *zap.Logger) *api.Server {
		return api.NewServer(cfg.GetServer().ListenAddress, handler, logger.Named("api"))
	}); err != nil {
		return nil, err
	}

	// Register ingestion sources and outbound delivery
	if err := container.Provide(func(f *factory.SourceFactory, service *triage.Service, store core.Store) ([]ports.MailSource, error) {
		return f.CreateMailSources(service, store)
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(f *factory.SourceFactory, store core.Store) (*outbound.Dispatcher, error) {
		return f.CreateDispatcher(store)
	}); err != nil {
		return nil, err
	}

	return container, nil
}

// provideTriage registers the classification pipeline, the mailbox, the
// draft generator and the triage service on top of an LLM client, a cache
// and a store already present in the container
func provideTriage(container *dig.Container) error {
	if err := container.Provide(func(cfg *config.Config, text *utils.TextProcessor) *rules.Engine {
		w := cfg.GetWeights()
		return rules.NewEngine(rules.Weights{
			Base:            w.Base,
			ImportantSender: w.ImportantSender,
			Keyword:         w.Keyword,
			Spam:            w.Spam,
			SpamCeiling:     w.SpamCeiling,
		}, text)
	}); err != nil {
		return err
	}

	if err := container.Provide(func(
		cfg *config.Config,
		engine *rules.Engine,
		client core.LLMClient,
		cache core.ClassificationCache,
		logger *zap.Logger,
	) *classifier.Orchestrator {
		var refiner *classifier.LLMClassifier
		if client != nil {
			llmCfg := cfg.GetLLM()
			refiner = classifier.NewLLMClassifier(client, engine, classifier.LLMClassifierOptions{
				Timeout:       llmCfg.Timeout,
				AmbiguityBand: llmCfg.AmbiguityBand,
				RateLimit:     llmCfg.RateLimit,
				Burst:         llmCfg.Burst,
			}, logger.Named("llm"))
		}
		return classifier.NewOrchestrator(engine, refiner, cache, cfg.GetInt("classifier.workers"), logger.Named("classifier"))
	}); err != nil {
		return err
	}

	if err := container.Provide(func(cfg *config.Config, store core.Store, logger *zap.Logger) (*preferences.Store, error) {
		return preferences.NewStore(context.Background(), store, cfg.GetDefaultPreferences(), logger.Named("preferences"))
	}); err != nil {
		return err
	}

	if err := container.Provide(func(store core.Store, logger *zap.Logger) *mailbox.Machine {
		return mailbox.NewMachine(store, logger.Named("mailbox"))
	}); err != nil {
		return err
	}

	if err := container.Provide(func(cfg *config.Config, store core.Store, client core.LLMClient, logger *zap.Logger) (*drafts.Generator, error) {
		draftsCfg := cfg.GetDrafts()
		return drafts.NewGenerator(store, store, client, drafts.Options{
			MaxEntries: draftsCfg.MaxEntries,
			Timeout:    draftsCfg.Timeout,
			Signature:  draftsCfg.Signature,
		}, logger.Named("drafts"))
	}); err != nil {
		return err
	}

	return container.Provide(func(
		cfg *config.Config,
		store core.Store,
		prefs *preferences.Store,
		orchestrator *classifier.Orchestrator,
		machine *mailbox.Machine,
		generator *drafts.Generator,
		text *utils.TextProcessor,
		logger *zap.Logger,
	) *triage.Service {
		triageCfg := cfg.GetTriage()
		return triage.NewService(store, prefs, orchestrator, machine, generator, text, triage.Options{
			DefaultMaxResults: triageCfg.DefaultMaxResults,
			MaxResultsLimit:   triageCfg.MaxResultsLimit,
		}, logger.Named("triage"))
	})
}
