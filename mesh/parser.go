package mesh

import (
	"encoding/json"
	"fmt"
	"os"
)

// ParseGridFile reads and decodes a grid file in any DecodeGridData format.
func ParseGridFile(path, agentID string) (*OccupancyGrid, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return DecodeGridData(data, agentID)
}

// ParseGridJSON parses a grid message in JSON form.
func ParseGridJSON(data []byte, agentID string) (*OccupancyGrid, error) {
	var msg GridMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	return GridFromMessage(agentID, &msg)
}

// ParsePoseJSON parses a pose report.
func ParsePoseJSON(data []byte) (*PoseMessage, error) {
	var msg PoseMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parsing pose JSON: %w", err)
	}
	return &msg, nil
}

// ParseClockJSON parses a simulated clock tick.
func ParseClockJSON(data []byte) (*ClockMessage, error) {
	var msg ClockMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parsing clock JSON: %w", err)
	}
	return &msg, nil
}

// GridSummary provides a summary of grid contents
type GridSummary struct {
	AgentID    string  `json:"agentId"`
	Frame      string  `json:"frame"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Resolution float64 `json:"resolution"`
	Origin     Point   `json:"origin"`
	Free       int     `json:"free"`
	Occupied   int     `json:"occupied"`
	Unknown    int     `json:"unknown"`
	// Explored is the fraction of cells that are not unknown.
	Explored float64 `json:"explored"`
}

// Summarize extracts key information from a grid
func Summarize(g *OccupancyGrid) GridSummary {
	s := GridSummary{
		AgentID:    g.AgentID,
		Frame:      g.Frame,
		Width:      g.Width,
		Height:     g.Height,
		Resolution: g.Resolution,
		Origin:     g.Origin,
	}
	for _, c := range g.Cells {
		switch c {
		case CellFree:
			s.Free++
		case CellOccupied:
			s.Occupied++
		default:
			s.Unknown++
		}
	}
	if total := len(g.Cells); total > 0 {
		s.Explored = float64(s.Free+s.Occupied) / float64(total)
	}
	return s
}

// HasKnownCells returns true if the grid holds any free or occupied cell.
func HasKnownCells(g *OccupancyGrid) bool {
	if g == nil {
		return false
	}
	for _, c := range g.Cells {
		if c != CellUnknown {
			return true
		}
	}
	return false
}
