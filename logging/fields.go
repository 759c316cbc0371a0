package logging

import "go.uber.org/zap"

// Field helpers shared by every subsystem so log keys stay consistent.

func PluginID(id string) zap.Field {
	return zap.String("plugin_id", id)
}

func InstanceID(id string) zap.Field {
	return zap.String("instance_id", id)
}

func SandboxID(id string) zap.Field {
	return zap.String("sandbox_id", id)
}

func State(s string) zap.Field {
	return zap.String("state", s)
}

func Subsystem(name string) zap.Field {
	return zap.String("subsystem", name)
}
