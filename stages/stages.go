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

// Package stages provides the standard request pipeline for an appvisor
// worker: response compression, optional basic authentication, a page
// for errors reported by the supervisor, the rendered root page, and
// static assets.
package stages

import (
	"github.com/gdamore/appvisor"
)

// Stage names.  Custom stages may order themselves against these.
const (
	NameCompression   = "compression"
	NameBasicAuth     = "basic-auth"
	NameMasterError   = "master-error"
	NameRenderRoot    = "render-root"
	NameMissingAssets = "missing-assets"
	NameStaticServe   = "static-serve"
)

// AssetsPath is the URL prefix for static assets.
const AssetsPath = "/assets/*"

// Options configures the default stages.
type Options struct {
	// Username and PasswordHash (bcrypt) enable basic authentication.
	Username     string
	PasswordHash string

	// Renderer renders the root page.  Nil means a FileRenderer.
	Renderer Renderer

	// CompressionLevel is a gzip/deflate level, 0 for the default.
	CompressionLevel int
}

// Default returns the loaders for the standard pipeline.  The basic-auth
// stage is only present if a username is configured; otherwise its name
// is just a point other stages are ordered around.
func Default(opts Options) []appvisor.StageLoader {
	loaders := []appvisor.StageLoader{Compression(opts.CompressionLevel)}
	if opts.Username != "" {
		loaders = append(loaders, BasicAuth(opts.Username, opts.PasswordHash))
	}
	return append(loaders,
		MasterError,
		RenderRoot(opts.Renderer),
		MissingAssets,
		StaticServe,
	)
}
