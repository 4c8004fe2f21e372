package schema

type (

	// Entities is a named map used for declaring the entities exposed by the engine.
	Entities map[string]EntityConf

	// EntityConf describes one entity and how it is stored.
	EntityConf struct {
		// Table name in the database. Defaults to the entity name.
		Table string `yaml:"table" json:"table,optional"`
		// PrimaryKey column. Defaults to "id".
		PrimaryKey string `yaml:"primaryKey" json:"primaryKey,optional"`
		// Attributes are the concrete attribute names.
		// When empty they are discovered from the database catalog.
		Attributes []string `yaml:"attributes" json:"attributes,optional"`
		// Structured lists document-typed (JSON) attributes.
		Structured []string `yaml:"structured" json:"structured,optional"`
		// Relations is a named map of forward relations.
		Relations map[string]RelationConf `yaml:"relations" json:"relations,optional"`
	}

	// RelationConf is a forward (many-to-one) relation to another entity.
	RelationConf struct {
		// Entity is the target entity name.
		Entity string `yaml:"entity" json:"entity"`
		// Column holding the reference. Defaults to "<relation>_id".
		Column string `yaml:"column" json:"column,optional"`
	}
)
