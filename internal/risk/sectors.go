package risk

import "strings"

// DefaultSector is used for symbols without a mapping.
const DefaultSector = "other"

// SectorMap resolves symbols to sectors.
type SectorMap struct {
	sectors map[string]string // symbol -> sector
}

// NewSectorMap creates a resolver from a symbol->sector table.
func NewSectorMap(m map[string]string) *SectorMap {
	sectors := make(map[string]string, len(m))
	for sym, sector := range m {
		sectors[strings.ToUpper(sym)] = strings.ToLower(sector)
	}
	return &SectorMap{sectors: sectors}
}

// GetSector returns the sector for symbol, preferring the configured table
// over the provider-reported value.
func (sm *SectorMap) GetSector(symbol, reported string) string {
	if sm != nil {
		if sector, ok := sm.sectors[strings.ToUpper(symbol)]; ok {
			return sector
		}
	}
	if reported != "" {
		return strings.ToLower(reported)
	}
	return DefaultSector
}
