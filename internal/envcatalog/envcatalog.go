package envcatalog

type VarInfo struct {
	Category    string
	Name        string
	Description string
	Dynamic     bool
	Internal    bool
}

func Catalog() []VarInfo {
	return []VarInfo{
		{
			Category:    "Config",
			Name:        "SLIPWAY_CONFIG",
			Description: "Path to the slipway config file.",
		},
		{
			Category:    "Config",
			Name:        "SLIPWAY_<FLAG>",
			Dynamic:     true,
			Description: "Set any slipway CLI flag via environment (hyphens become underscores). Example: SLIPWAY_INSTALL_TIMEOUT=30m.",
		},
		{
			Category:    "Paths",
			Name:        "SLIPWAY_HOME",
			Description: "Root directory for promoted environments, sealed dependency layers, and the attempt journal.",
		},
		{
			Category:    "Paths",
			Name:        "SLIPWAY_LAYER_CACHE",
			Description: "Override the sealed dependency layer directory (takes precedence over SLIPWAY_HOME).",
		},
		{
			Category:    "Interpreter",
			Name:        "SLIPWAY_PYTHON",
			Description: "Interpreter used for environment creation and installs when --python is not given.",
		},
		{
			Category:    "Output",
			Name:        "NO_COLOR",
			Description: "Disable ANSI color output (any non-empty value).",
		},
		{
			Category:    "Launch",
			Name:        "PORT",
			Internal:    true,
			Description: "Set on the launched process: the TCP port it must serve on.",
		},
		{
			Category:    "Launch",
			Name:        "SLIPWAY_ENV_ID",
			Internal:    true,
			Description: "Set on the launched process: the ID of the environment it runs in.",
		},
		{
			Category:    "Launch",
			Name:        "VIRTUAL_ENV",
			Internal:    true,
			Description: "Set on the launched process: the environment's venv directory, with its bin/ first on PATH.",
		},
	}
}
