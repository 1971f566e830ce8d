package config

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Config", func() {
	var (
		tempDir    string
		configFile string
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "oversight-config-test")
		Expect(err).NotTo(HaveOccurred())
		configFile = filepath.Join(tempDir, "config.yaml")
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	Describe("Load", func() {
		Context("when config file exists with valid content", func() {
			BeforeEach(func() {
				validConfig := `
server:
  http_port: "8081"
  metrics_port: "9091"

oversight:
  tier_timeout_min: 120s
  tier_timeout_max: 48h
  token_ttl: 90s
  final_action: AUTO_APPROVE
  max_tiers: 5

logging:
  level: "debug"
  format: "json"
`
				Expect(os.WriteFile(configFile, []byte(validConfig), 0644)).To(Succeed())
			})

			It("should load configuration successfully", func() {
				cfg, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg).NotTo(BeNil())
				Expect(cfg.Server.HTTPPort).To(Equal("8081"))
				Expect(cfg.Oversight.TierTimeoutMin).To(Equal(120 * time.Second))
				Expect(cfg.Oversight.FinalAction).To(Equal(FinalActionAutoApprove))
				Expect(cfg.Oversight.MaxTiers).To(Equal(5))
			})

			It("should leave unset fields at their defaults", func() {
				cfg, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Oversight.PublicKeyCacheTTL).To(Equal(5 * time.Minute))
				Expect(cfg.Oversight.DeliveryRetrySchedule).To(Equal(
					[]time.Duration{10 * time.Second, 30 * time.Second, 90 * time.Second}))
			})
		})

		Context("when the file does not exist", func() {
			It("should return an error", func() {
				_, err := Load(filepath.Join(tempDir, "missing.yaml"))
				Expect(err).To(HaveOccurred())
			})
		})

		Context("when the config violates invariants", func() {
			It("rejects a tier timeout below 60s", func() {
				Expect(os.WriteFile(configFile, []byte("oversight:\n  tier_timeout_min: 10s\n"), 0644)).To(Succeed())
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("tier_timeout_min"))
			})

			It("rejects more than 10 tiers", func() {
				Expect(os.WriteFile(configFile, []byte("oversight:\n  max_tiers: 11\n"), 0644)).To(Succeed())
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
			})

			It("rejects an unknown final_action", func() {
				Expect(os.WriteFile(configFile, []byte("oversight:\n  final_action: MAYBE\n"), 0644)).To(Succeed())
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
			})
		})
	})

	Describe("Default", func() {
		It("matches spec §6's named defaults", func() {
			cfg := Default()
			Expect(cfg.Oversight.TierTimeoutMin).To(Equal(60 * time.Second))
			Expect(cfg.Oversight.TierTimeoutMax).To(Equal(7 * 24 * time.Hour))
			Expect(cfg.Oversight.TokenTTL).To(Equal(60 * time.Second))
			Expect(cfg.Oversight.PostRotationGrace).To(Equal(30 * 24 * time.Hour))
			Expect(cfg.Oversight.FinalAction).To(Equal(FinalActionAutoDeny))
			Expect(cfg.Oversight.ConsensusClockRequired).To(BeTrue())
		})
	})
})
