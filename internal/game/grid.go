package game

import (
	"context"
	"encoding/json"

	"gridshard/server/internal/world"
)

func init() {
	Register("grid", func() Module { return &GridModule{} })
}

// GridModule is the built-in reference module: entities move, spawn, and
// despawn in response to intents. A move or create that would leave the
// zone bounds is skipped, not clamped to the edge. It doubles as the
// default module and the integration-test fixture.
type GridModule struct {
	framework Framework
}

type gridIntent struct {
	Action   string          `json:"action"`
	EntityID string          `json:"entity_id"`
	DX       int             `json:"dx"`
	DY       int             `json:"dy"`
	X        int             `json:"x"`
	Y        int             `json:"y"`
	Width    int             `json:"width"`
	Height   int             `json:"height"`
	Metadata json.RawMessage `json:"metadata"`
}

type gridEvent struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type gridExtras struct {
	Events []gridEvent `json:"events,omitempty"`
}

// Init stores the framework handle.
func (m *GridModule) Init(ctx context.Context, framework Framework) error {
	m.framework = framework
	return nil
}

// Tick resolves move, create_entity, and delete_entity intents.
// Malformed intents are skipped; a bad client must not stall the zone.
func (m *GridModule) Tick(ctx context.Context, input TickInput) (world.TickResult, error) {
	var result world.TickResult
	entities := make(map[string]world.Entity, len(input.Entities))
	for _, e := range input.Entities {
		entities[e.ID] = e
	}

	for _, in := range input.Intents {
		var parsed gridIntent
		if err := json.Unmarshal(in.Data, &parsed); err != nil {
			continue
		}
		switch parsed.Action {
		case "move":
			entity, ok := entities[parsed.EntityID]
			if !ok {
				continue
			}
			x := entity.X + parsed.DX
			y := entity.Y + parsed.DY
			if !input.Zone.EntityInBounds(x, y, entity.Width, entity.Height) {
				continue
			}
			entity.X = x
			entity.Y = y
			entities[entity.ID] = entity
			result.Updates = append(result.Updates, world.EntityUpdate{
				ID: entity.ID, X: world.IntPtr(x), Y: world.IntPtr(y),
			})
		case "create_entity":
			if !input.Zone.EntityInBounds(parsed.X, parsed.Y, parsed.Width, parsed.Height) {
				continue
			}
			result.Creates = append(result.Creates, world.EntityCreate{
				X: parsed.X, Y: parsed.Y,
				Width: parsed.Width, Height: parsed.Height,
				Metadata: parsed.Metadata,
			})
		case "delete_entity":
			if _, ok := entities[parsed.EntityID]; !ok {
				continue
			}
			delete(entities, parsed.EntityID)
			result.Deletes = append(result.Deletes, parsed.EntityID)
		}
	}

	if len(result.Creates) > 0 {
		extras, err := json.Marshal(gridExtras{
			Events: []gridEvent{{Type: "entities_created", Count: len(result.Creates)}},
		})
		if err == nil {
			result.Extras = extras
		}
	}
	return result, nil
}

// PlayerState passes the base state through and tags the viewer, the
// identity end of the fog-of-war spectrum.
func (m *GridModule) PlayerState(ctx context.Context, zoneID, playerID string, base world.BaseState) (json.RawMessage, error) {
	payload := struct {
		world.BaseState
		ViewerID string `json:"viewerId"`
	}{BaseState: base, ViewerID: playerID}
	return json.Marshal(payload)
}
