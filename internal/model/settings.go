package model

// Settings holds the global configuration shared by every component. Field
// names track the keys of the settings store (FIELD_SEPARATOR, DATE_FORMAT,
// QUERIES_FOLDER, ...).
type Settings struct {
	FieldSeparator     string `yaml:"field_separator" json:"field_separator"`
	DecimalSeparator   string `yaml:"decimal_separator" json:"decimal_separator"`
	DateFormat         string `yaml:"date_format" json:"date_format"` // Go layout, e.g. 02/01/2006
	QueriesFolder      string `yaml:"queries_folder" json:"queries_folder"`
	ExtractFolder      string `yaml:"extract_folder" json:"extract_folder"`
	LogsFolder         string `yaml:"logs_folder" json:"logs_folder"`
	LogsEnabled        bool   `yaml:"logs_enabled" json:"logs_enabled"`
	SettingsVersion    string `yaml:"settings_version" json:"settings_version"`
	MinAppVersion      string `yaml:"min_app_version" json:"min_app_version"`
	MinSettingsVersion string `yaml:"min_settings_version" json:"min_settings_version"`
}

// WithDefaults fills unset fields with the shipped defaults.
func (s Settings) WithDefaults() Settings {
	if s.FieldSeparator == "" {
		s.FieldSeparator = ";"
	}
	if s.DecimalSeparator == "" {
		s.DecimalSeparator = ","
	}
	if s.DateFormat == "" {
		s.DateFormat = "02/01/2006"
	}
	return s
}
