/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"time"

	"github.com/SystemVirtue/obie-v5-sub001/internal/events"
	"github.com/SystemVirtue/obie-v5-sub001/internal/models"
	"github.com/SystemVirtue/obie-v5-sub001/internal/telemetry"
	"gorm.io/gorm"
)

const _startTime = "obie:start_time"

// watchedTables maps table names to the change event published for them.
// Only queue and status mutations drive client reconciliation; player and
// session changes are forwarded for the admin console.
var watchedTables = map[string]events.EventType{
	"queue_entries":   events.EventQueueChange,
	"player_statuses": events.EventStatusChange,
	"players":         events.EventPlayerChange,
	"kiosk_sessions":  events.EventSessionChange,
}

// RegisterCallbacks wires query timing metrics and row-change notification
// publishing into the GORM callback chain. Notifications fire after the
// statement completes; for transactional operations this is still before
// commit, which is exactly the at-least-once, possibly-early delivery the
// reconciliation protocol is built to absorb.
func RegisterCallbacks(database *gorm.DB, bus events.PubSub) error {
	if err := database.Callback().Query().Before("gorm:query").Register("obie:before_query", beforeCallback); err != nil {
		return err
	}
	if err := database.Callback().Query().After("gorm:query").Register("obie:after_query", afterCallback("query", nil, events.Op(""))); err != nil {
		return err
	}

	if err := database.Callback().Create().Before("gorm:create").Register("obie:before_create", beforeCallback); err != nil {
		return err
	}
	if err := database.Callback().Create().After("gorm:create").Register("obie:after_create", afterCallback("create", bus, events.OpInsert)); err != nil {
		return err
	}

	if err := database.Callback().Update().Before("gorm:update").Register("obie:before_update", beforeCallback); err != nil {
		return err
	}
	if err := database.Callback().Update().After("gorm:update").Register("obie:after_update", afterCallback("update", bus, events.OpUpdate)); err != nil {
		return err
	}

	if err := database.Callback().Delete().Before("gorm:delete").Register("obie:before_delete", beforeCallback); err != nil {
		return err
	}
	if err := database.Callback().Delete().After("gorm:delete").Register("obie:after_delete", afterCallback("delete", bus, events.OpDelete)); err != nil {
		return err
	}

	return nil
}

func beforeCallback(database *gorm.DB) {
	database.InstanceSet(_startTime, time.Now())
}

// afterCallback records query metrics and, for mutating operations on
// watched tables, publishes a row-change event.
func afterCallback(operation string, bus events.PubSub, op events.Op) func(*gorm.DB) {
	return func(database *gorm.DB) {
		if startTimeValue, exists := database.InstanceGet(_startTime); exists {
			if startTime, ok := startTimeValue.(time.Time); ok {
				tableName := database.Statement.Table
				if tableName == "" {
					tableName = "unknown"
				}
				telemetry.DatabaseQueryDuration.WithLabelValues(operation, tableName).Observe(time.Since(startTime).Seconds())
			}
		}

		if database.Error != nil && database.Error != gorm.ErrRecordNotFound {
			telemetry.DatabaseErrorsTotal.WithLabelValues(operation).Inc()
			return
		}

		if bus == nil || op == events.Op("") {
			return
		}
		eventType, watched := watchedTables[database.Statement.Table]
		if !watched {
			return
		}
		if op != events.OpInsert && database.RowsAffected == 0 {
			return
		}

		payload := events.ChangePayload(database.Statement.Table, op, playerIDFromStatement(database), database.RowsAffected)
		bus.Publish(eventType, payload)
		telemetry.ChangeEventsTotal.WithLabelValues(database.Statement.Table, string(op)).Inc()
	}
}

// playerIDFromStatement extracts the owning player id when the statement
// destination is one of our models. A miss is fine; subscribers refetch the
// full settled state rather than patching from payloads.
func playerIDFromStatement(database *gorm.DB) string {
	switch dest := database.Statement.Dest.(type) {
	case *models.QueueEntry:
		return dest.PlayerID
	case *models.PlayerStatus:
		return dest.PlayerID
	case *models.Player:
		return dest.ID
	case *models.KioskSession:
		return dest.PlayerID
	case models.QueueEntry:
		return dest.PlayerID
	case models.PlayerStatus:
		return dest.PlayerID
	}
	return ""
}

// UpdateConnectionMetrics refreshes connection pool gauges. Called on a
// ticker from the server.
func UpdateConnectionMetrics(database *gorm.DB) {
	sqlDB, err := database.DB()
	if err != nil {
		return
	}
	telemetry.DatabaseConnectionsActive.Set(float64(sqlDB.Stats().OpenConnections))
}
