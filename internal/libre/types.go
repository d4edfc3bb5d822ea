package libre

import (
	"fmt"
	"time"
)

// Trend is the glucose trend direction reported by the sensor. The string
// values match the vendor's arrow names and are stored verbatim.
type Trend string

const (
	TrendNotComputable Trend = "NotComputable"
	TrendSingleDown    Trend = "SingleDown"
	TrendFortyFiveDown Trend = "FortyFiveDown"
	TrendFlat          Trend = "Flat"
	TrendFortyFiveUp   Trend = "FortyFiveUp"
	TrendSingleUp      Trend = "SingleUp"
)

// Reading is a canonical CGM measurement. Timestamp is UTC at second
// precision and acts as the unique key for deduplication.
type Reading struct {
	Value     float64
	Trend     Trend
	IsHigh    bool
	IsLow     bool
	Timestamp time.Time
}

func (r Reading) String() string {
	return fmt.Sprintf("%.1f mg/dL (%s) - %s", r.Value, r.Trend, r.Timestamp.Format("2006-01-02 15:04:05"))
}

// Connection is a monitored patient the account follows.
type Connection struct {
	ID         string `json:"id"`
	PatientID  string `json:"patientId"`
	Country    string `json:"country"`
	Status     int    `json:"status"`
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	TargetLow  int    `json:"targetLow"`
	TargetHigh int    `json:"targetHigh"`
}

// FullName returns "First Last" as shown in the LibreLinkUp app.
func (c Connection) FullName() string {
	return c.FirstName + " " + c.LastName
}

// GlucoseItem is a raw measurement record as returned by the vendor API.
// Field names follow the wire format.
type GlucoseItem struct {
	FactoryTimestamp string  `json:"FactoryTimestamp"`
	Timestamp        string  `json:"Timestamp"`
	Type             int     `json:"type"`
	ValueInMgPerDl   float64 `json:"ValueInMgPerDl"`
	TrendArrow       *int    `json:"TrendArrow"`
	TrendMessage     *string `json:"TrendMessage"`
	MeasurementColor int     `json:"MeasurementColor"`
	GlucoseUnits     int     `json:"GlucoseUnits"`
	Value            float64 `json:"Value"`
	IsHigh           bool    `json:"isHigh"`
	IsLow            bool    `json:"isLow"`
}

// GraphData is the payload of GET /llu/connections/{id}/graph: the current
// measurement attached to the connection plus the historical graph array.
type GraphData struct {
	Connection struct {
		PatientID          string       `json:"patientId"`
		FirstName          string       `json:"firstName"`
		LastName           string       `json:"lastName"`
		GlucoseMeasurement *GlucoseItem `json:"glucoseMeasurement"`
	} `json:"connection"`
	GraphData []GlucoseItem `json:"graphData"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// loginResponse covers all three shapes the login endpoint can answer with:
// a step challenge, a regional redirect, or an auth ticket.
type loginResponse struct {
	Status int `json:"status"`
	Data   struct {
		Redirect bool   `json:"redirect"`
		Region   string `json:"region"`
		Step     struct {
			ComponentName string `json:"componentName"`
		} `json:"step"`
		AuthTicket struct {
			Token   string `json:"token"`
			Expires int64  `json:"expires"`
		} `json:"authTicket"`
		User struct {
			ID string `json:"id"`
		} `json:"user"`
	} `json:"data"`
}

type connectionsResponse struct {
	Data []Connection `json:"data"`
}

type graphResponse struct {
	Data GraphData `json:"data"`
}

type countryResponse struct {
	Data struct {
		RegionalMap map[string]struct {
			LslAPI string `json:"lslApi"`
		} `json:"regionalMap"`
	} `json:"data"`
}
