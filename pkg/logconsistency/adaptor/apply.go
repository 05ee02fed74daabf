/*
Copyright The CloudNativePG Contributors

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

package adaptor

import (
	"fmt"

	"github.com/go-logr/logr"

	lc "github.com/cloudnative-pg/log-view-consistency/pkg/logconsistency"
)

// applyEntries folds entries into a.confirmedView in order, starting at
// log position firstPosition. Caller must hold stateMu for writing. A
// panic or error from the host callback is caught, logged as
// CaughtUserCodeException, and the entry is skipped — replay continues
// with the next one: one poisonous entry must not halt the fold.
func (a *LogViewAdaptor[E, V]) applyEntries(log logr.Logger, entries []E, firstPosition int) {
	for i, entry := range entries {
		position := firstPosition + i
		if err := a.applyOne(entry, position); err != nil {
			log.Error(err, "CaughtUserCodeException",
				"grainType", a.cfg.GrainType,
				"grainID", a.cfg.GrainID,
				"position", position,
			)
			continue
		}
	}
}

func (a *LogViewAdaptor[E, V]) applyOne(entry E, position int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &lc.UserCodeError{Position: position, Cause: fmt.Errorf("panic: %v", r)}
		}
	}()

	if applyErr := a.cfg.Apply(a.confirmedView, entry); applyErr != nil {
		return &lc.UserCodeError{Position: position, Cause: applyErr}
	}
	return nil
}
