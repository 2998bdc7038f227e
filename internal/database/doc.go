// Package database opens the PostgreSQL pool backing the presence journal.
//
// The relay runs without a database when database.host is empty; callers
// check config.DBConfig.Enabled before calling Connect.
package database
