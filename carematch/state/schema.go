// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"
	"sync"

	memdb "github.com/hashicorp/go-memdb"
)

const (
	TableShifts                = "shifts"
	TableCaregivers            = "caregivers"
	TableVisits                = "visits"
	TableProposals             = "proposals"
	TableConfigs               = "matching_configs"
	TablePreferences           = "preference_profiles"
	TableBulkRequests          = "bulk_requests"
	TableHistory               = "match_history"
	TableExperiments           = "experiments"
	TableExperimentAssignments = "experiment_assignments"
	TableModels                = "model_registry"

	tableIndex = "index"
)

const (
	indexID           = "id"
	indexOrg          = "org"
	indexStatus       = "status"
	indexShift        = "shift"
	indexCaregiver    = "caregiver"
	indexClient       = "client"
	indexShiftStatus  = "shift_status"
	indexOrgBranch    = "org_branch"
	indexExperiment   = "experiment"
)

var (
	schemaFactories SchemaFactories
	factoriesLock   sync.Mutex
)

// SchemaFactory is the factory method for returning a TableSchema
type SchemaFactory func() *memdb.TableSchema
type SchemaFactories []SchemaFactory

// RegisterSchemaFactories is used to register a table schema.
func RegisterSchemaFactories(factories ...SchemaFactory) {
	factoriesLock.Lock()
	defer factoriesLock.Unlock()
	schemaFactories = append(schemaFactories, factories...)
}

func GetFactories() SchemaFactories {
	return schemaFactories
}

func init() {
	RegisterSchemaFactories([]SchemaFactory{
		indexTableSchema,
		shiftTableSchema,
		caregiverTableSchema,
		visitTableSchema,
		proposalTableSchema,
		configTableSchema,
		preferenceTableSchema,
		bulkRequestTableSchema,
		historyTableSchema,
		experimentTableSchema,
		experimentAssignmentTableSchema,
		modelTableSchema,
	}...)
}

// stateStoreSchema is used to return the combined schema for the state
// store.
func stateStoreSchema() *memdb.DBSchema {
	db := &memdb.DBSchema{
		Tables: make(map[string]*memdb.TableSchema),
	}

	for _, fn := range GetFactories() {
		schema := fn()
		if _, ok := db.Tables[schema.Name]; ok {
			panic(fmt.Sprintf("duplicate table name: %s", schema.Name))
		}
		db.Tables[schema.Name] = schema
	}
	return db
}

// indexTableSchema is used for tracking the most recent index per table.
func indexTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: tableIndex,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field:     "Key",
					Lowercase: true,
				},
			},
		},
	}
}

func shiftTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableShifts,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:    indexID,
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "ID"},
			},
			indexOrg: {
				Name:    indexOrg,
				Indexer: &memdb.StringFieldIndex{Field: "OrganizationID"},
			},
			indexStatus: {
				Name:    indexStatus,
				Indexer: &memdb.StringFieldIndex{Field: "Status"},
			},
		},
	}
}

func caregiverTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableCaregivers,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:    indexID,
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "ID"},
			},
			indexOrg: {
				Name:    indexOrg,
				Indexer: &memdb.StringFieldIndex{Field: "OrganizationID"},
			},
		},
	}
}

func visitTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableVisits,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:    indexID,
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "ID"},
			},
			indexCaregiver: {
				Name:    indexCaregiver,
				Indexer: &memdb.StringFieldIndex{Field: "CaregiverID"},
			},
			indexClient: {
				Name:    indexClient,
				Indexer: &memdb.StringFieldIndex{Field: "ClientID"},
			},
		},
	}
}

func proposalTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableProposals,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:    indexID,
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "ID"},
			},
			indexShift: {
				Name:    indexShift,
				Indexer: &memdb.StringFieldIndex{Field: "ShiftID"},
			},
			indexCaregiver: {
				Name:    indexCaregiver,
				Indexer: &memdb.StringFieldIndex{Field: "CaregiverID"},
			},
			// Serves the accept-path sibling query and the sweep.
			indexShiftStatus: {
				Name: indexShiftStatus,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "ShiftID"},
						&memdb.StringFieldIndex{Field: "Status"},
					},
				},
			},
			indexStatus: {
				Name:    indexStatus,
				Indexer: &memdb.StringFieldIndex{Field: "Status"},
			},
		},
	}
}

func configTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableConfigs,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:    indexID,
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "ID"},
			},
			// One default per organization, optionally overridden per
			// branch; BranchID is empty on the default, so the compound
			// key is unique.
			indexOrgBranch: {
				Name:   indexOrgBranch,
				Unique: true,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "OrganizationID"},
						&memdb.StringFieldIndex{Field: "BranchID"},
					},
					AllowMissing: true,
				},
			},
		},
	}
}

func preferenceTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TablePreferences,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:    indexID,
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "CaregiverID"},
			},
		},
	}
}

func bulkRequestTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableBulkRequests,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:    indexID,
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "ID"},
			},
			indexOrg: {
				Name:    indexOrg,
				Indexer: &memdb.StringFieldIndex{Field: "OrganizationID"},
			},
		},
	}
}

func historyTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableHistory,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:    indexID,
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "ID"},
			},
			indexShift: {
				Name:    indexShift,
				Indexer: &memdb.StringFieldIndex{Field: "ShiftID"},
			},
			indexCaregiver: {
				Name:    indexCaregiver,
				Indexer: &memdb.StringFieldIndex{Field: "CaregiverID"},
			},
			indexOrg: {
				Name:    indexOrg,
				Indexer: &memdb.StringFieldIndex{Field: "OrganizationID"},
			},
		},
	}
}

func experimentTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableExperiments,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:    indexID,
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "ID"},
			},
			indexOrg: {
				Name:    indexOrg,
				Indexer: &memdb.StringFieldIndex{Field: "OrganizationID"},
			},
		},
	}
}

func experimentAssignmentTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableExperimentAssignments,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:   indexID,
				Unique: true,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "ExperimentID"},
						&memdb.StringFieldIndex{Field: "ShiftID"},
					},
				},
			},
			indexShift: {
				Name:    indexShift,
				Indexer: &memdb.StringFieldIndex{Field: "ShiftID"},
			},
			indexExperiment: {
				Name:    indexExperiment,
				Indexer: &memdb.StringFieldIndex{Field: "ExperimentID"},
			},
		},
	}
}

func modelTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableModels,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:    indexID,
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "ID"},
			},
			indexOrg: {
				Name:    indexOrg,
				Indexer: &memdb.StringFieldIndex{Field: "OrganizationID"},
			},
		},
	}
}
