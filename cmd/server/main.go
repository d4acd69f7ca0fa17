package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/agentkube/kubegraph/internal/handlers"
	"github.com/agentkube/kubegraph/internal/routes"
	"github.com/agentkube/kubegraph/pkg/config"
	"github.com/agentkube/kubegraph/pkg/controller"
	"github.com/agentkube/kubegraph/pkg/dispatchers"
	"github.com/agentkube/kubegraph/pkg/kubeconfig"
	"github.com/agentkube/kubegraph/pkg/logger"
)

func main() {
	// Parse config
	cfg, err := config.Parse(os.Args)
	if err != nil {
		logrus.Fatalf("Failed to parse config: %v", err)
	}
	logger.SetLevel(cfg.LogLevel)
	if cfg.LogFormat == "console" {
		logger.SetConsole(os.Stderr)
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize context store
	contextStore := kubeconfig.NewContextStore()

	if cfg.InCluster {
		kc, err := kubeconfig.InClusterContext()
		if err != nil {
			logrus.Fatalf("Failed to read in-cluster config: %v", err)
		}
		if err := contextStore.AddContext(kc); err != nil {
			logrus.Fatalf("Failed to store in-cluster context: %v", err)
		}
	}

	kubeConfigPath := cfg.KubeConfigPath
	if kubeConfigPath == "" && !cfg.InCluster {
		kubeConfigPath = os.Getenv("KUBECONFIG")
	}
	if kubeConfigPath != "" {
		logger.Log(logger.LevelInfo, map[string]string{"kubeconfig": kubeConfigPath}, nil, "Loading kubeconfig")

		if err := kubeconfig.LoadAndStoreKubeConfigs(contextStore, kubeConfigPath, kubeconfig.KubeConfig); err != nil {
			logger.Log(logger.LevelError, nil, err, "loading kubeconfig")
		}

		// Start watching kubeconfig file for changes
		go func() {
			if err := kubeconfig.LoadAndWatchFiles(ctx, contextStore, kubeConfigPath, kubeconfig.KubeConfig); err != nil {
				logger.Log(logger.LevelError, map[string]string{"kubeconfig": kubeConfigPath}, err, "watching kubeconfig")
			}
		}()
	}

	// Setup and start the server
	router := routes.SetupRouter(*cfg, contextStore, nil)

	if namespaces := cfg.Namespaces(); len(namespaces) > 0 {
		go startWatchers(ctx, cfg, contextStore, namespaces)
	}

	// Determine address to listen on
	serverAddr := fmt.Sprintf("%s:%d", cfg.ListenAddr, cfg.Port)

	logger.Log(logger.LevelInfo, map[string]string{
		"address":    serverAddr,
		"in_cluster": fmt.Sprintf("%t", cfg.InCluster),
		"kubeconfig": kubeConfigPath,
	}, nil, "Server starting")

	if err := router.Run(serverAddr); err != nil {
		logrus.Fatalf("Failed to start server: %v", err)
	}
}

// startWatchers rebuilds the graphs of the watched namespaces on every
// cluster in the store as their resources change.
func startWatchers(ctx context.Context, cfg *config.Config, store kubeconfig.ContextStore, namespaces []string) {
	dispatcher, err := dispatchers.New(cfg)
	if err != nil {
		logrus.Fatalf("Failed to configure notifications: %v", err)
	}

	contexts, err := store.GetContexts()
	if err != nil {
		logrus.Errorf("Failed to get contexts from store: %v", err)
		return
	}

	manager := handlers.NewClusterManager(store, *cfg, nil)
	var targets []controller.Target
	for _, kc := range contexts {
		target, err := manager.WatchTarget(ctx, kc.Name)
		if err != nil {
			logrus.Errorf("Skipping cluster %s: %v", kc.Name, err)
			continue
		}
		targets = append(targets, target)
	}
	if len(targets) == 0 {
		logrus.Warn("No clusters to watch")
		return
	}

	if err := controller.Start(ctx, targets, namespaces, dispatcher, cfg.WatchDebounce); err != nil {
		logrus.Errorf("Graph watchers stopped: %v", err)
	}
}
