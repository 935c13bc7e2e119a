// Copyright 2024 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stages

import (
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gdamore/appvisor"
)

const defaultCompressionLevel = 5

// Compression compresses responses for clients that accept it.
func Compression(level int) appvisor.StageLoader {
	if level == 0 {
		level = defaultCompressionLevel
	}
	return func(w *appvisor.Worker) error {
		return w.AddStage(appvisor.Stage{
			Name:   NameCompression,
			Value:  appvisor.Filter(middleware.Compress(level)),
			Before: []string{NameBasicAuth},
		})
	}
}
