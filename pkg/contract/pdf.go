package contract

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"autoloc/pkg/models"

	"github.com/google/uuid"
	"github.com/jung-kurt/gofpdf/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Data is everything printed on a rental contract.
type Data struct {
	Number      string
	GeneratedAt time.Time
	Location    *time.Location
	Rental      models.Rental
	Vehicle     models.Vehicle
	Dealership  models.Dealership
}

// NewNumber returns a contract number of the form CONT-YYYYMMDD-XXXXXXXX.
func NewNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("CONT-%s-%s", now.Format("20060102"), suffix)
}

// Hash is the hex SHA-256 of a rendered document.
func Hash(doc []byte) string {
	sum := sha256.Sum256(doc)
	return hex.EncodeToString(sum[:])
}

type Generator struct {
	Currency string
}

func NewGenerator() *Generator {
	return &Generator{Currency: "FCFA"}
}

func (g *Generator) money(d decimal.Decimal) string {
	return fmt.Sprintf("%s %s", d.StringFixed(2), g.Currency)
}

// Render lays the contract out on A4 pages and returns the PDF bytes.
func (g *Generator) Render(data Data) ([]byte, error) {
	loc := data.Location
	if loc == nil {
		loc = time.UTC
	}
	r := data.Rental
	v := data.Vehicle

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 15, 15)
	pdf.SetTitle("Rental contract "+data.Number, true)
	pdf.SetCreationDate(data.GeneratedAt)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFont("Arial", "B", 18)
	pdf.CellFormat(180, 10, "VEHICLE RENTAL CONTRACT", "", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "", 10)
	pdf.CellFormat(180, 6, fmt.Sprintf("No. %s", data.Number), "", 1, "C", false, 0, "")
	pdf.CellFormat(180, 6, fmt.Sprintf("Issued %s", data.GeneratedAt.In(loc).Format("02/01/2006 15:04")), "", 1, "C", false, 0, "")
	pdf.Ln(4)

	section := func(title string) {
		pdf.SetFillColor(240, 240, 240)
		pdf.SetFont("Arial", "B", 12)
		pdf.CellFormat(180, 8, title, "1", 1, "L", true, 0, "")
		pdf.SetFont("Arial", "", 10)
	}
	row := func(label, value string) {
		pdf.CellFormat(60, 7, label, "LB", 0, "L", false, 0, "")
		pdf.CellFormat(120, 7, tr(value), "RB", 1, "L", false, 0, "")
	}

	section("Rental")
	row("Start date", r.StartDate.Format("02/01/2006"))
	row("End date", r.EndDate.Format("02/01/2006"))
	row("Duration", fmt.Sprintf("%d day(s)", r.DayCount))
	row("Status", string(r.Status))
	if r.DepartedAt != nil {
		row("Departure", r.DepartedAt.In(loc).Format("02/01/2006 15:04"))
	}
	if r.ReturnedAt != nil {
		row("Return", r.ReturnedAt.In(loc).Format("02/01/2006 15:04"))
	}
	pdf.Ln(4)

	section("Parties")
	row("Client", fmt.Sprintf("Client #%d", r.ClientID))
	row("Dealership", data.Dealership.Name)
	row("Address", strings.TrimSpace(data.Dealership.Address+", "+data.Dealership.City))
	if data.Dealership.Phone != "" {
		row("Phone", data.Dealership.Phone)
	}
	if data.Dealership.Email != "" {
		row("Email", data.Dealership.Email)
	}
	pdf.Ln(4)

	section("Vehicle")
	row("Vehicle", fmt.Sprintf("%s %s (%d)", v.Make, v.Model, v.Year))
	row("Plate", v.Plate)
	if r.DepartureMileage != nil {
		row("Mileage at departure", fmt.Sprintf("%d km", *r.DepartureMileage))
	} else {
		row("Mileage", fmt.Sprintf("%d km", v.Mileage))
	}
	if r.ReturnMileage != nil {
		row("Mileage at return", fmt.Sprintf("%d km", *r.ReturnMileage))
	}
	pdf.Ln(4)

	section("Pricing")
	row("Daily rate", g.money(r.DailyRate))
	row("Days", fmt.Sprintf("%d", r.DayCount))
	row("Total", g.money(r.TotalPrice))
	row("Deposit", g.money(r.Deposit))
	if r.DiscountAmount.IsPositive() {
		row("Discount", fmt.Sprintf("-%s (%s)", g.money(r.DiscountAmount), r.PromotionCode))
	}
	if r.PenaltyAmount.IsPositive() {
		row("Late penalty", fmt.Sprintf("%s (%d day(s))", g.money(r.PenaltyAmount), r.DaysLate))
	}
	pdf.SetFont("Arial", "B", 11)
	pdf.CellFormat(60, 8, "Amount due", "1", 0, "L", true, 0, "")
	pdf.CellFormat(120, 8, g.money(r.AmountDue()), "1", 1, "L", true, 0, "")
	pdf.Ln(4)

	section("Conditions")
	pdf.MultiCell(180, 5, tr(fmt.Sprintf(
		"The vehicle must be returned by the end of the end date. Each late day is charged %s%% of the daily rate. "+
			"The deposit is returned once the vehicle is checked on return. The client is responsible for the vehicle "+
			"during the rental period and reports any damage to the dealership.",
		r.PenaltyRate.StringFixed(0),
	)), "LRB", "L", false)
	pdf.Ln(12)

	pdf.SetFont("Arial", "", 10)
	pdf.CellFormat(90, 6, "Client signature", "", 0, "L", false, 0, "")
	pdf.CellFormat(90, 6, "Dealer signature", "", 1, "R", false, 0, "")
	pdf.Ln(16)
	pdf.CellFormat(90, 6, "____________________", "", 0, "L", false, 0, "")
	pdf.CellFormat(90, 6, "____________________", "", 1, "R", false, 0, "")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, errors.Wrap(err, "render contract")
	}
	return buf.Bytes(), nil
}
