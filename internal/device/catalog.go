package device

import (
	_ "embed"
	"encoding/json"
	"strconv"
)

//go:embed data/setoptions.json
var setoptionsData []byte

//go:embed data/commands.json
var commandsData []byte

// setoptionCatalog maps option number to its firmware name.
var setoptionCatalog map[string]string

// commandCatalog is the known console command list, used for completion and
// request validation by collaborators.
var commandCatalog []string

func init() {
	if err := json.Unmarshal(setoptionsData, &setoptionCatalog); err != nil {
		panic("device: bad embedded setoptions catalog: " + err.Error())
	}
	if err := json.Unmarshal(commandsData, &commandCatalog); err != nil {
		panic("device: bad embedded command catalog: " + err.Error())
	}
}

// SetOptionName returns the firmware name of option n, "" when uncatalogued.
func SetOptionName(n int) string {
	return setoptionCatalog[strconv.Itoa(n)]
}

// Commands returns the known console command catalog.
func Commands() []string {
	out := make([]string, len(commandCatalog))
	copy(out, commandCatalog)
	return out
}
