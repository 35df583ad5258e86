/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package fieldbus

import "github.com/samber/lo"

// defaultRegisters is the mk3 reference layout. It keeps discovery and
// bench bring-up working before a provisioned map arrives; provisioned
// variants override it wholesale with a TOML file.
var defaultRegisters = map[string]Register{
	RegSOC:            {Address: 100, Kind: KindInput, Encoding: EncU16, Scale: 0.1},
	RegSOH:            {Address: 101, Kind: KindInput, Encoding: EncU16, Scale: 0.1},
	RegPackVoltage:    {Address: 102, Kind: KindInput, Encoding: EncU16, Scale: 0.1},
	RegCurrent:        {Address: 103, Kind: KindInput, Encoding: EncS16, Scale: 0.1},
	RegPowerKW:        {Address: 104, Kind: KindInput, Encoding: EncS16, Scale: 0.1},
	RegTempMin:        {Address: 105, Kind: KindInput, Encoding: EncS16, Scale: 0.1},
	RegTempMax:        {Address: 106, Kind: KindInput, Encoding: EncS16, Scale: 0.1},
	RegTempAvg:        {Address: 107, Kind: KindInput, Encoding: EncS16, Scale: 0.1},
	RegGridFrequency:  {Address: 108, Kind: KindInput, Encoding: EncU16, Scale: 0.001},
	RegGridVoltage:    {Address: 109, Kind: KindInput, Encoding: EncU16, Scale: 0.1},
	RegCellVoltageMin: {Address: 110, Kind: KindInput, Encoding: EncU16, Scale: 0.001},
	RegCellVoltageMax: {Address: 111, Kind: KindInput, Encoding: EncU16, Scale: 0.001},
	RegInsulation:     {Address: 112, Kind: KindInput, Encoding: EncU16, Scale: 1},
	RegSiteDemandKW:   {Address: 114, Kind: KindInput, Encoding: EncS16, Scale: 0.1},

	RegPowerSetpointKW: {Address: 200, Kind: KindHolding, Encoding: EncS16, Scale: 0.1, Writable: true},

	RegChargeEnable:    {Address: 1, Kind: KindCoil},
	RegDischargeEnable: {Address: 2, Kind: KindCoil},
	RegEmergencyStop:   {Address: 3, Kind: KindCoil},
	RegSmoke:           {Address: 4, Kind: KindCoil},
}

// DefaultRegisterMap returns the compiled-in mk3 layout with its read plan
// computed. Each call returns an independent copy.
func DefaultRegisterMap() *RegisterMap {
	rm := &RegisterMap{Registers: map[string]Register{}}
	for name, reg := range defaultRegisters {
		rm.Registers[name] = reg
	}
	lo.Must0(rm.Validate())
	rm.plan = rm.computePlan()
	return rm
}
