/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package safety

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

// WatchTable hot-reloads the threshold table from a TOML file. A file that
// fails to parse or validate is reported through onReject and the previous
// table stays live. Blocks until ctx is done.
func WatchTable(ctx context.Context, path string, evaluator *Evaluator, onReject func(error), log logr.Logger) error {
	log = log.WithName("safety.watcher")
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating threshold watcher, %w", err)
	}
	defer watcher.Close()
	// watch the directory: editors and atomic writers replace the file,
	// which would orphan a watch on the file itself
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching %q, %w", filepath.Dir(path), err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != path || !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			if err := reload(path, evaluator); err != nil {
				log.Error(err, "threshold table update rejected", "path", path)
				onReject(err)
				continue
			}
			log.Info("threshold table reloaded", "path", path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error(err, "threshold watcher error")
		}
	}
}

func reload(path string, evaluator *Evaluator) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading threshold table, %w", err)
	}
	table, err := ParseTable(data)
	if err != nil {
		return err
	}
	return evaluator.SetTable(table)
}
