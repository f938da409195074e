package relay

import "strings"

// Classification tags for OTA log lines.
const (
	TagSuccess    = "success"
	TagError      = "error"
	TagWarning    = "warning"
	TagReboot     = "reboot"
	TagValidation = "validation"
	TagProgress   = "progress"
	TagConnection = "connection"
	TagConfig     = "config"
	TagData       = "data"
	TagInfo       = "info"
)

// vocabulary is checked in order; the first group with a matching keyword
// decides the tag. Devices log in English or Spanish.
var vocabulary = []struct {
	tag      string
	keywords []string
}{
	{TagSuccess, []string{"success", "complete", "exito", "éxito", "exitosa", "completad"}},
	{TagError, []string{"error", "fail", "fallo", "falló", "abort"}},
	{TagWarning, []string{"warn", "advertencia", "retry", "reintent"}},
	{TagReboot, []string{"reboot", "restart", "reinici"}},
	{TagValidation, []string{"valida", "verif", "checksum", "sha256"}},
	{TagProgress, []string{"progress", "progreso", "download", "descarg", "%", "bytes", "writing", "escrib"}},
	{TagConnection, []string{"connect", "conect", "wifi", "http"}},
	{TagConfig, []string{"config", "partition", "particion", "partición"}},
	{TagData, []string{"size", "tamaño", "version", "versión"}},
	{TagInfo, []string{"ota", "firmware", "update", "actualiz", "start", "inici"}},
}

// Classify reports whether line looks like OTA progress output and, if so,
// which tag it belongs to. Matching is case-insensitive substring search.
func Classify(line string) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(line))
	if s == "" {
		return "", false
	}
	for _, group := range vocabulary {
		for _, kw := range group.keywords {
			if strings.Contains(s, kw) {
				return group.tag, true
			}
		}
	}
	return "", false
}
