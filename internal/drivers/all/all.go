// Package all registers every bundled driver module. Import it for its
// side effects:
//
//	import _ "github.com/mabuchilab/instrumental/internal/drivers/all"
package all

import (
	_ "github.com/mabuchilab/instrumental/internal/drivers/lockins/sr850"
	_ "github.com/mabuchilab/instrumental/internal/drivers/powersupplies/rigol"
	_ "github.com/mabuchilab/instrumental/internal/drivers/tempcontrollers/serialoven"
	_ "github.com/mabuchilab/instrumental/internal/drivers/wavemeters/burleigh"
)
