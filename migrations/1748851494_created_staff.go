package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

// Gate operators and supervisors sign in through the staff auth collection.
func init() {
	m.Register(func(app core.App) error {
		collection := core.NewAuthCollection("staff")
		collection.Fields.Add(
			&core.TextField{Name: "name", Max: 200},
			&core.SelectField{Name: "role", Values: []string{"operator", "supervisor"}, MaxSelect: 1, Required: true},
		)
		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("staff")
		if err != nil {
			return err
		}
		return app.Delete(collection)
	})
}
