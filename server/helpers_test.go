package main

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fleetmon/fleetmon/pkg/config"
	"github.com/fleetmon/fleetmon/pkg/detect"
)

type testEnv struct {
	srv     *Server
	manager Manager
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:fleetmon-test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(allModels()...))

	cfg := config.DefaultServerConfig()
	cfg.TokenSalt = "test-salt"
	require.NoError(t, cfg.Validate())

	srv := newServer(db, cfg, detect.DefaultRules(), zerolog.Nop())

	user := User{ID: newID(), Email: "boss@example.com", Role: RoleManager}
	require.NoError(t, db.Create(&user).Error)
	manager := Manager{ID: newID(), UserID: user.ID, CompanyName: "Example Corp"}
	require.NoError(t, db.Create(&manager).Error)

	return testEnv{srv: srv, manager: manager}
}

func (e testEnv) createMachine(t *testing.T, policyID *string) Machine {
	t.Helper()
	machine := Machine{
		ID:         newID(),
		ManagerID:  e.manager.ID,
		PolicyID:   policyID,
		HardwareID: "hw-" + newID(),
		Hostname:   "host-" + newID()[:6],
	}
	require.NoError(t, e.srv.db.Create(&machine).Error)
	return machine
}

func (e testEnv) createPolicy(t *testing.T, intervalMinutes int) Policy {
	t.Helper()
	policy := Policy{
		ID:                  newID(),
		ManagerID:           e.manager.ID,
		Name:                "default",
		ScanIntervalMinutes: intervalMinutes,
	}
	require.NoError(t, e.srv.db.Create(&policy).Error)
	return policy
}
