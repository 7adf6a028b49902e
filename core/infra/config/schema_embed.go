package config

import "embed"

const clusterSchemaFile = "schema/cluster.schema.json"

//go:embed schema/*.json
var configSchemaFS embed.FS
