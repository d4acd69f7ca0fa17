package kubeconfig

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"k8s.io/utils/strings/slices"

	"github.com/agentkube/kubegraph/pkg/logger"
)

const watchInterval = 10 * time.Second

// LoadAndWatchFiles loads kubeconfig files into store and reloads them on
// change until ctx is done. Files missing at start are re-added once they
// appear.
func LoadAndWatchFiles(ctx context.Context, store ContextStore, paths string, source int) error {
	if err := LoadAndStoreKubeConfigs(store, paths, source); err != nil {
		logger.Log(logger.LevelWarn, map[string]string{"paths": paths}, err, "initial kubeconfig load")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating watcher")
	}
	defer watcher.Close()

	kubeConfigPaths := splitKubeConfigPath(paths)
	addFilesToWatcher(watcher, kubeConfigPaths)

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			if len(watcher.WatchList()) != len(kubeConfigPaths) {
				addFilesToWatcher(watcher, kubeConfigPaths)
				if err := syncContexts(store, paths, source); err != nil {
					logger.Log(logger.LevelError, nil, err, "watcher: error loading kubeconfig files")
				}
			}

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) &&
				!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			logger.Log(logger.LevelInfo, map[string]string{"event": event.Name, "source": strconv.Itoa(source)},
				nil, "watcher: kubeconfig file changed, reloading contexts")
			if err := syncContexts(store, paths, source); err != nil {
				logger.Log(logger.LevelError, nil, err, "watcher: error synchronizing contexts")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Log(logger.LevelError, nil, err, "watcher: error watching kubeconfig files")
		}
	}
}

func addFilesToWatcher(watcher *fsnotify.Watcher, paths []string) {
	for _, path := range paths {
		if !filepath.IsAbs(path) {
			abs, err := filepath.Abs(path)
			if err != nil {
				logger.Log(logger.LevelError, map[string]string{"path": path}, err, "getting absolute path")
				continue
			}
			path = abs
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if slices.Contains(watcher.WatchList(), path) {
			continue
		}
		if err := watcher.Add(path); err != nil {
			logger.Log(logger.LevelError, map[string]string{"path": path}, err, "adding path to watcher")
		}
	}
}

// syncContexts makes the contexts of source in store match the files:
// contexts gone from the files are removed, the rest are reloaded.
func syncContexts(store ContextStore, paths string, source int) error {
	fresh, _, err := LoadContextsFromMultipleFiles(paths, source)
	if err != nil {
		return errors.Wrap(err, "reading kubeconfig files")
	}
	names := make(map[string]struct{}, len(fresh))
	for _, c := range fresh {
		names[c.Name] = struct{}{}
	}

	existing, err := store.GetContexts()
	if err != nil {
		return errors.Wrap(err, "listing contexts")
	}
	for _, c := range existing {
		if c.Source != source {
			continue
		}
		if _, ok := names[c.Name]; !ok {
			if err := store.RemoveContext(c.Name); err != nil {
				logger.Log(logger.LevelError, map[string]string{"contextName": c.Name}, err, "error removing context")
			}
		}
	}

	for _, c := range fresh {
		if err := store.AddContext(c); err != nil {
			return errors.Wrapf(err, "storing context %s", c.Name)
		}
	}
	return nil
}
