package buildversion

import (
	"runtime/debug"
)

// GetVersion returns the version of the named module as recorded in the
// binary's build info, or "unknown" when it is not available.
func GetVersion(modPath string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}

	if info.Main.Path == modPath {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}

		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && len(setting.Value) >= 7 {
				return "dev-" + setting.Value[:7]
			}
		}
		return "dev"
	}

	for _, dep := range info.Deps {
		if dep.Path == modPath {
			if dep.Replace != nil {
				return dep.Replace.Version
			}
			return dep.Version
		}
	}

	return "unknown"
}
