package env

import (
	"github.com/thatsimonsguy/outlet-controller/internal/config"
)

var Cfg *config.Config
