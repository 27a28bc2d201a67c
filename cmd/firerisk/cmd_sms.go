package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"firerisk-backend/internal/alert"
	"firerisk-backend/internal/sms"
)

var (
	smsPhone      string
	smsMessage    string
	smsStatusOnly bool
)

var smsTestCmd = &cobra.Command{
	Use:   "sms-test",
	Short: "Send a test SMS through the modem",
	Long: `Send one message through the Huawei modem to check the alert path. Without
--message the regular alert text is rendered for the current threshold.`,
	RunE: runSMSTest,
}

func init() {
	smsTestCmd.Flags().StringVar(&smsPhone, "phone", "", "destination number (default ALERT_PHONE)")
	smsTestCmd.Flags().StringVarP(&smsMessage, "message", "m", "", "message text")
	smsTestCmd.Flags().BoolVar(&smsStatusOnly, "status", false, "only print the modem status")
	rootCmd.AddCommand(smsTestCmd)
}

func runSMSTest(cmd *cobra.Command, args []string) error {
	modem, err := newModemClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	status, err := modem.Status(ctx)
	if err != nil {
		fmt.Printf("modem %s: status unavailable: %v\n", sms.SafeURL(cfg.ModemURL), err)
	} else {
		fmt.Printf("modem %s: connection=%s signal=%s sim=%s network=%s sms_full=%s\n",
			sms.SafeURL(cfg.ModemURL), status.ConnectionStatus, status.SignalIcon,
			status.SimStatus, status.CurrentNetworkType, status.SmsStorageFull)
	}
	if smsStatusOnly {
		return err
	}

	phone := smsPhone
	if phone == "" {
		phone = cfg.AlertPhone
	}
	if phone == "" {
		return errors.New("no destination: set --phone or ALERT_PHONE")
	}

	message := smsMessage
	if message == "" {
		loc, err := time.LoadLocation(cfg.AlertTimezone)
		if err != nil {
			return fmt.Errorf("invalid ALERT_TIMEZONE: %w", err)
		}
		notifier, err := alert.NewNotifier(modem, phone, cfg.FThreshold, cfg.AlertTemplate, alert.WithLocation(loc))
		if err != nil {
			return err
		}
		if message, err = notifier.Render(cfg.FThreshold, time.Now()); err != nil {
			return err
		}
	}

	if !modem.Send(ctx, phone, message) {
		return fmt.Errorf("modem did not deliver the message to %s", phone)
	}
	fmt.Printf("sent to %s\n", sms.NormalizePhone(phone))
	return nil
}
