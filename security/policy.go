package security

import (
	"fmt"

	casbinlib "github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	"github.com/leeforge/plugind/plugin"
)

// The subject of every request is a security level name, so a decision
// depends on nothing but the plugin's current level.
const policyModel = `
[request_definition]
r = sub, act

[policy_definition]
p = sub, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && (p.act == "*" || r.act == p.act)
`

// levelPermissions is the permission table loaded into the enforcer.
var levelPermissions = map[plugin.SecurityLevel][]string{
	plugin.SecurityNone: {"*"},
	plugin.SecurityBasic: {
		plugin.PermissionIPC,
		plugin.PermissionFilesystemRead,
		plugin.PermissionNetworkOutbound,
		plugin.PermissionExecute,
	},
	plugin.SecurityStrict: {
		plugin.PermissionIPC,
		plugin.PermissionFilesystemRead,
	},
	plugin.SecurityMaximum: {
		plugin.PermissionFilesystemRead,
	},
}

// operationPermissions maps operation names accepted by
// EnforceSecurityPolicy onto permissions.
var operationPermissions = map[string]string{
	"file_read":       plugin.PermissionFilesystemRead,
	"file_write":      plugin.PermissionFilesystemWrite,
	"network_connect": plugin.PermissionNetworkOutbound,
	"network_listen":  plugin.PermissionNetworkInbound,
	"ipc_send":        plugin.PermissionIPC,
	"spawn":           plugin.PermissionExecute,
	"syscall":         plugin.PermissionSystemCalls,
}

func permissionFor(operation string) string {
	if p, ok := operationPermissions[operation]; ok {
		return p
	}
	return operation
}

func newEnforcer() (*casbinlib.SyncedEnforcer, error) {
	m, err := model.NewModelFromString(policyModel)
	if err != nil {
		return nil, fmt.Errorf("failed to create model: %w", err)
	}
	e, err := casbinlib.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("failed to create enforcer: %w", err)
	}
	for level, perms := range levelPermissions {
		for _, perm := range perms {
			if _, err := e.AddPolicy(level.String(), perm); err != nil {
				return nil, fmt.Errorf("add policy %s/%s: %w", level, perm, err)
			}
		}
	}
	return e, nil
}
