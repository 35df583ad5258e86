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

package operator_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lifo4/edge-controller/pkg/operator"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var health *operator.Health

func TestOperator(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Operator")
}

var _ = BeforeEach(func() {
	health = operator.NewHealth()
})

func probeHealthz() (int, map[string]string) {
	recorder := httptest.NewRecorder()
	health.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var report map[string]string
	Expect(json.NewDecoder(recorder.Body).Decode(&report)).To(Succeed())
	return recorder.Code, report
}

var _ = Describe("Health", func() {
	It("should report 200 with all components ok", func() {
		health.Register("control_loop", func() error { return nil })
		health.Register("messaging", func() error { return nil })

		code, report := probeHealthz()
		Expect(code).To(Equal(http.StatusOK))
		Expect(report).To(Equal(map[string]string{
			"control_loop": "ok",
			"messaging":    "ok",
		}))
	})
	It("should report 503 and the failure text when a probe fails", func() {
		health.Register("control_loop", func() error { return nil })
		health.Register("field_bus", func() error { return fmt.Errorf("failure streak active") })

		code, report := probeHealthz()
		Expect(code).To(Equal(http.StatusServiceUnavailable))
		Expect(report["control_loop"]).To(Equal("ok"))
		Expect(report["field_bus"]).To(Equal("failure streak active"))
	})
	It("should reflect probe state changes on the next request", func() {
		healthy := false
		health.Register("messaging", func() error {
			if !healthy {
				return fmt.Errorf("broker disconnected")
			}
			return nil
		})

		code, _ := probeHealthz()
		Expect(code).To(Equal(http.StatusServiceUnavailable))

		healthy = true
		code, report := probeHealthz()
		Expect(code).To(Equal(http.StatusOK))
		Expect(report["messaging"]).To(Equal("ok"))
	})
	It("should serve an empty report before any probe registers", func() {
		code, report := probeHealthz()
		Expect(code).To(Equal(http.StatusOK))
		Expect(report).To(BeEmpty())
	})
})
