package routes

import (
	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/build-hub/internal/buildkind"
	"github.com/any-hub/build-hub/internal/manifest"
	"github.com/any-hub/build-hub/internal/version"
)

type kindPayload struct {
	Key         string        `json:"key"`
	Prefix      string        `json:"prefix"`
	Kind        manifest.Kind `json:"type"`
	Directory   string        `json:"directory"`
	Description string        `json:"description"`
}

// RegisterDiagnosticRoutes 暴露 /-/kinds 与 /-/version 诊断接口。
func RegisterDiagnosticRoutes(app *fiber.App) {
	if app == nil {
		return
	}

	app.Get("/-/kinds", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"kinds": encodeKinds(buildkind.List())})
	})

	app.Get("/-/version", func(c fiber.Ctx) error {
		return c.JSON(version.Get())
	})
}

func encodeKinds(defs []buildkind.Definition) []kindPayload {
	result := make([]kindPayload, 0, len(defs))
	for _, def := range defs {
		result = append(result, kindPayload{
			Key:         def.Key,
			Prefix:      def.Prefix,
			Kind:        def.Kind,
			Directory:   def.Directory,
			Description: def.Description,
		})
	}
	return result
}
