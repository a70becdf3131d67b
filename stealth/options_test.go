package stealth_test

import (
	"errors"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/ditsuke/go-stealth/stealth"
	"github.com/ditsuke/go-stealth/stealth/engine"
	"github.com/ditsuke/go-stealth/stealth/engine/enginetest"
)

func TestOptionValidation(t *testing.T) {
	testCases := []struct {
		name       string
		option     stealth.Option
		errMatcher func(g *GomegaWithT, err error)
	}{
		{
			name:   "empty profile",
			option: stealth.WithProfile(""),
			errMatcher: func(g *GomegaWithT, err error) {
				g.Expect(errors.Is(err, engine.ErrEmptyProfile)).To(BeTrue())
			},
		},
		{
			name:   "zero workers",
			option: stealth.WithWorkers(0),
			errMatcher: func(g *GomegaWithT, err error) {
				g.Expect(err.Error()).To(ContainSubstring(stealth.ErrBadWorkerCount))
			},
		},
		{
			name:   "malformed proxy",
			option: stealth.WithProxyURL("http://[::1"),
			errMatcher: func(g *GomegaWithT, err error) {
				g.Expect(err.Error()).To(ContainSubstring("invalid proxy url"))
			},
		},
		{
			name:   "base url with another scheme",
			option: stealth.WithBaseURL("ftp://example.com"),
			errMatcher: func(g *GomegaWithT, err error) {
				g.Expect(err.Error()).To(ContainSubstring(stealth.ErrBadBaseURL))
			},
		},
		{
			name:   "relative base url",
			option: stealth.WithBaseURL("/api"),
			errMatcher: func(g *GomegaWithT, err error) {
				g.Expect(err.Error()).To(ContainSubstring(stealth.ErrBadBaseURL))
			},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			g := NewGomegaWithT(t)
			driver := &enginetest.Driver{}
			s, err := stealth.NewSession(stealth.WithDriver(driver), testCase.option)
			g.Expect(s).To(BeNil())
			g.Expect(err).To(HaveOccurred())
			testCase.errMatcher(g, err)
			g.Expect(driver.Conns()).To(BeEmpty())
		})
	}
}

func TestDefaultOptions(t *testing.T) {
	g := NewGomegaWithT(t)
	o := stealth.DefaultOptions()

	g.Expect(o.Profile).To(Equal(stealth.DefaultProfile))
	g.Expect(o.Timeout).To(Equal(stealth.DefaultTimeout))
	g.Expect(o.FollowRedirects).To(BeTrue())
	g.Expect(o.Verify).To(BeTrue())
	g.Expect(o.HTTP2).To(BeTrue())
	g.Expect(o.Workers).To(Equal(stealth.DefaultWorkers))
	g.Expect(o.RotationMode).To(Equal(stealth.ProfileRotationOff))
	g.Expect(o.BaseURL).To(BeNil())
	g.Expect(o.Driver).To(BeNil())
}
