package registry

import (
	"github.com/hashicorp/go-memdb"
)

const (
	nodesTable      = "nodes"
	workspacesTable = "workspaces"
	jobTypesTable   = "job_types"
	schedulerTable  = "scheduler"
	idIndex         = "id"
	hostnameIndex   = "hostname"
	agentIndex      = "agent"
)

func registrySchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			nodesTable: {
				Name: nodesTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					hostnameIndex: {
						Name:    hostnameIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Hostname"},
					},
					agentIndex: {
						Name:         agentIndex,
						Unique:       false,
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "AgentID"},
					},
				},
			},
			workspacesTable: {
				Name: workspacesTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Name"},
					},
				},
			},
			jobTypesTable: {
				Name: jobTypesTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Name"},
					},
				},
			},
			schedulerTable: {
				Name: schedulerTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Name"},
					},
				},
			},
		},
	}
}
