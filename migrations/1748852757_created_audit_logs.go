package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
	"github.com/pocketbase/pocketbase/tools/types"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("audit_logs")

		// Superusers only: no API rules.
		collection.ListRule = nil
		collection.ViewRule = nil
		collection.CreateRule = nil
		collection.UpdateRule = nil
		collection.DeleteRule = nil

		collection.Fields.Add(
			&core.TextField{Name: "action", Required: true, Max: 64},
			&core.TextField{Name: "ticket_id", Max: 64},
			&core.TextField{Name: "event_id", Max: 64},
			&core.TextField{Name: "operator_id", Max: 64},
			&core.TextField{Name: "device_id", Max: 64},
			&core.JSONField{Name: "metadata", MaxSize: 1 << 16},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)
		collection.Indexes = types.JSONArray[string]{
			"CREATE INDEX idx_audit_logs_ticket ON audit_logs (ticket_id)",
			"CREATE INDEX idx_audit_logs_event_action ON audit_logs (event_id, action)",
		}
		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("audit_logs")
		if err != nil {
			return err
		}
		return app.Delete(collection)
	})
}
