package config

import (
	_ "github.com/any-hub/build-hub/internal/buildkind/pullrequest"
	_ "github.com/any-hub/build-hub/internal/buildkind/release"
)
